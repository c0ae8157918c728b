package parse

import (
	"reflect"
	"testing"
)

func TestTouchedFiles(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "empty input",
			output: "",
			want:   nil,
		},
		{
			name:   "single created line",
			output: "working...\ncreated: src/user.ts\ndone",
			want:   []string{"src/user.ts"},
		},
		{
			name:   "all verbs case-insensitive",
			output: "Created: a.go\nMODIFIED: b.go\nupdated: c.go",
			want:   []string{"a.go", "b.go", "c.go"},
		},
		{
			name:   "paths with spaces preserved",
			output: "created: My Docs/read me.md",
			want:   []string{"My Docs/read me.md"},
		},
		{
			name:   "deduplicated in first-occurrence order",
			output: "created: a.go\nmodified: b.go\nupdated: a.go",
			want:   []string{"a.go", "b.go"},
		},
		{
			name:   "verb mid-line ignored",
			output: "the file was created: a.go",
			want:   nil,
		},
		{
			name:   "leading whitespace tolerated",
			output: "  modified: pkg/x/y.go",
			want:   []string{"pkg/x/y.go"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TouchedFiles(tt.output)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TouchedFiles() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReviewEnvelope(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		env := ReviewEnvelope(`some preamble {"code_complete": true, "break_iteration": false, "justification": "done"} trailing`)
		if env == nil {
			t.Fatal("expected envelope, got nil")
		}
		if !env.CodeComplete || env.BreakIteration || env.Justification != "done" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	})

	t.Run("break_iteration defaults to false", func(t *testing.T) {
		env := ReviewEnvelope(`{"code_complete": false}`)
		if env == nil {
			t.Fatal("expected envelope, got nil")
		}
		if env.BreakIteration {
			t.Error("break_iteration should default to false")
		}
	})

	t.Run("missing code_complete is invalid", func(t *testing.T) {
		if env := ReviewEnvelope(`{"break_iteration": true}`); env != nil {
			t.Errorf("expected nil, got %+v", env)
		}
	})

	t.Run("non-boolean code_complete is invalid", func(t *testing.T) {
		if env := ReviewEnvelope(`{"code_complete": "yes"}`); env != nil {
			t.Errorf("expected nil, got %+v", env)
		}
	})

	t.Run("no object", func(t *testing.T) {
		if env := ReviewEnvelope("Invalid JSON response"); env != nil {
			t.Errorf("expected nil, got %+v", env)
		}
	})

	t.Run("unbalanced braces", func(t *testing.T) {
		if env := ReviewEnvelope(`{"code_complete": true`); env != nil {
			t.Errorf("expected nil, got %+v", env)
		}
	})

	t.Run("first object wins", func(t *testing.T) {
		env := ReviewEnvelope(`{"code_complete": true} {"code_complete": false}`)
		if env == nil || !env.CodeComplete {
			t.Errorf("expected first object, got %+v", env)
		}
	})

	t.Run("braces inside strings ignored", func(t *testing.T) {
		env := ReviewEnvelope(`{"code_complete": true, "justification": "fixed {} literal"}`)
		if env == nil {
			t.Fatal("expected envelope, got nil")
		}
		if env.Justification != "fixed {} literal" {
			t.Errorf("unexpected justification: %q", env.Justification)
		}
	})

	t.Run("nested object", func(t *testing.T) {
		env := ReviewEnvelope(`{"code_complete": false, "break_iteration": true, "extra": {"ignored": 1}}`)
		if env == nil {
			t.Fatal("expected envelope, got nil")
		}
		if !env.BreakIteration {
			t.Error("expected break_iteration true")
		}
	})

	t.Run("ansi and carriage returns stripped", func(t *testing.T) {
		env := ReviewEnvelope("\x1b[32m{\"code_complete\":\r\n true}\x1b[0m")
		if env == nil || !env.CodeComplete {
			t.Errorf("expected valid envelope, got %+v", env)
		}
	})

	t.Run("unknown fields ignored", func(t *testing.T) {
		env := ReviewEnvelope(`{"code_complete": true, "confidence": 0.9}`)
		if env == nil || !env.CodeComplete {
			t.Errorf("expected valid envelope, got %+v", env)
		}
	})
}
