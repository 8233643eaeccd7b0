package logging_test

import (
	"log/slog"
	"testing"

	"github.com/aretw0/storyguard/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("chatty"))
}
