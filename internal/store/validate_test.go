package store

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"blank", "   ", true},
		{"normal", "c412dcc3-82bd-4969-8d47-c92bfd5b9f64", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
		{"way_too_long", strings.Repeat("x", 1000), true},
		{"slash", "tasks/1", true},
		{"newline", "task\n1", true},
		{"nul", "task\x001", true},
		{"unicode", "tâche-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("task_id", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%d chars) error = %v, wantErr %v", len(tt.id), err, tt.wantErr)
			}
		})
	}
}
