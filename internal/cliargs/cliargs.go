// Package cliargs assembles the argument vector handed to the Agent CLI.
// The vector is passed to the supervisor verbatim; no shell is ever
// involved, so no quoting or escaping happens here.
package cliargs

import "strings"

// Build options mirror the flags the Agent CLI recognizes.
type Build struct {
	Print        bool   // --print: non-interactive single-shot mode
	Resume       string // --resume <conversation-id>: continue a conversation
	Force        bool   // --force: skip interactive confirmations
	Model        string // --model <name>
	ApprovedMCPs []string
	Prompt       string // positional prompt text, appended last
}

// Args renders the argument vector.
func (b Build) Args() []string {
	var args []string
	if b.Print {
		args = append(args, "--print")
	}
	if b.Resume != "" {
		args = append(args, "--resume", b.Resume)
	}
	if b.Force {
		args = append(args, "--force")
	}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	if len(b.ApprovedMCPs) > 0 {
		args = append(args, "--approve-mcps", strings.Join(b.ApprovedMCPs, ","))
	}
	if b.Prompt != "" {
		args = append(args, b.Prompt)
	}
	return args
}

// promptFlags are the flags whose value carries the prompt text.
var promptFlags = map[string]bool{
	"--print":       true,
	"--prompt":      true,
	"-p":            true,
	"--instruction": true,
	"--message":     true,
}

// InjectPrompt appends text to the value of the first prompt-carrying flag
// (--print, --prompt, -p, --instruction, --message) in args. A flag whose
// next token is another flag carries no value and is skipped; when no flag
// carries a value, the text is appended to the last argument, which is
// where Build.Args puts the positional prompt. Empty text or an empty
// vector is returned unchanged.
func InjectPrompt(args []string, text string) []string {
	if text == "" || len(args) == 0 {
		return args
	}
	out := make([]string, len(args))
	copy(out, args)

	for i, a := range out {
		if promptFlags[a] && i+1 < len(out) && !strings.HasPrefix(out[i+1], "-") {
			out[i+1] = out[i+1] + "\n\n" + text
			return out
		}
	}

	out[len(out)-1] = out[len(out)-1] + "\n\n" + text
	return out
}
