package cliargs

import (
	"reflect"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name  string
		build Build
		want  []string
	}{
		{
			name:  "initial round",
			build: Build{Print: true, Force: true, Prompt: "create user service"},
			want:  []string{"--print", "--force", "create user service"},
		},
		{
			name:  "resume round",
			build: Build{Resume: "agent-123", Force: true, Prompt: "continue"},
			want:  []string{"--resume", "agent-123", "--force", "continue"},
		},
		{
			name:  "model and mcps",
			build: Build{Print: true, Model: "gpt-5", ApprovedMCPs: []string{"fs", "web"}, Prompt: "go"},
			want:  []string{"--print", "--model", "gpt-5", "--approve-mcps", "fs,web", "go"},
		},
		{
			name:  "empty build",
			build: Build{},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.build.Args()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInjectPrompt(t *testing.T) {
	t.Run("injects into first prompt flag value", func(t *testing.T) {
		got := InjectPrompt([]string{"--force", "--prompt", "do it", "tail"}, "extra")
		want := []string{"--force", "--prompt", "do it\n\nextra", "tail"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("first occurrence wins over later flags", func(t *testing.T) {
		got := InjectPrompt([]string{"-p", "a", "--prompt", "b"}, "x")
		want := []string{"-p", "a\n\nx", "--prompt", "b"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("falls back to last argument", func(t *testing.T) {
		got := InjectPrompt([]string{"--force", "build the thing"}, "extra")
		want := []string{"--force", "build the thing\n\nextra"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("flag with no value falls back to last argument", func(t *testing.T) {
		got := InjectPrompt([]string{"do it", "--print"}, "extra")
		want := []string{"do it", "--print\n\nextra"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("boolean flag followed by another flag is skipped", func(t *testing.T) {
		got := InjectPrompt(Build{Print: true, Force: true, Prompt: "build it"}.Args(), "extra")
		want := []string{"--print", "--force", "build it\n\nextra"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("empty text is a no-op", func(t *testing.T) {
		args := []string{"--print", "x"}
		got := InjectPrompt(args, "")
		if !reflect.DeepEqual(got, args) {
			t.Errorf("got %v, want %v", got, args)
		}
	})

	t.Run("does not mutate input", func(t *testing.T) {
		args := []string{"--prompt", "original"}
		_ = InjectPrompt(args, "extra")
		if args[1] != "original" {
			t.Errorf("input mutated: %v", args)
		}
	})
}
