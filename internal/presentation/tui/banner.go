package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// PrintBanner outputs the storyguard banner with the release version.
func PrintBanner(w io.Writer, version string) {
	p := termenv.EnvColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"  ___ _                                       _ ", "#34d399"},
		{" / __| |_ ___ _ _ _  _ __ _ _  _ __ _ _ _ __| |", "#2dd4bf"},
		{" \\__ \\  _/ _ \\ '_| || / _` | || / _` | '_/ _` |", "#22d3ee"},
		{" |___/\\__\\___/_|  \\_, \\__, |\\_,_\\__,_|_| \\__,_|", "#38bdf8"},
		{"                  |__/|___/                    ", "#60a5fa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, p.String(l.text).Foreground(p.Color(l.color)))
	}
	if v := strings.TrimSpace(version); v != "" {
		fmt.Fprintln(w, p.String("  v"+v).Faint())
	}
	fmt.Fprintln(w)
}
