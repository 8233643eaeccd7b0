package memory_test

import (
	"testing"

	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/ports/tests"
)

func TestMemoryStore_Contract(t *testing.T) {
	tests.RunSnapshotStoreContract(t, memory.NewStore())
}

func TestMemoryLedgerStore_Contract(t *testing.T) {
	tests.RunLedgerStoreContract(t, memory.NewLedgerStore())
}
