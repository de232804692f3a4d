package agent

import (
	"testing"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
)

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hi", 1},
		{"one two three", 3},
		{"abcdefghijklmnopqrst", 5},
	}
	for _, tt := range tests {
		if got := EstimateFast(tt.in); got != tt.want {
			t.Errorf("EstimateFast(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTrimHistory(t *testing.T) {
	// Each message costs len(content) + messageOverhead with this counter.
	count := func(s string) int { return len(s) }
	history := []providers.Message{
		{Role: "user", Content: "aaaaaa"},      // 10
		{Role: "assistant", Content: "bbbbbb"}, // 10
		{Role: "user", Content: "cccccc"},      // 10
	}

	tests := []struct {
		name        string
		fixed       int
		budget      int
		wantKept    int
		wantDropped int
	}{
		{"fits", 0, 100, 3, 0},
		{"drop oldest", 5, 30, 2, 1},
		{"only newest", 0, 15, 1, 2},
		{"nothing fits", 50, 40, 0, 3},
		{"disabled", 0, 0, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := trimHistory(history, tt.fixed, tt.budget, count)
			if len(kept) != tt.wantKept || dropped != tt.wantDropped {
				t.Fatalf("kept=%d dropped=%d, want %d/%d", len(kept), dropped, tt.wantKept, tt.wantDropped)
			}
			if len(kept) > 0 && kept[len(kept)-1].Content != "cccccc" {
				t.Errorf("newest message must be kept, got %q", kept[len(kept)-1].Content)
			}
		})
	}
}
