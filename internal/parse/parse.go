// Package parse extracts structure from Agent CLI output: touched file
// paths from the main pass and the review envelope from the review pass.
// Both extractors are stateless and operate on the full accumulated output.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// touchedLine matches "created: path", "modified: path" or "updated: path"
// at the start of a line, case-insensitive. The path runs to end of line and
// may contain spaces.
var touchedLine = regexp.MustCompile(`(?im)^[ \t]*(?:created|modified|updated)[ \t]*:[ \t]*(.+?)[ \t]*$`)

// TouchedFiles returns the file paths the Agent CLI reported as created,
// modified, or updated, in order of first occurrence, deduplicated.
func TouchedFiles(output string) []string {
	if output == "" {
		return nil
	}
	matches := touchedLine.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		path := m[1]
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

// Envelope is the decision object emitted by the review pass.
// CodeComplete is required; BreakIteration defaults to false when omitted.
type Envelope struct {
	CodeComplete   bool   `json:"code_complete"`
	BreakIteration bool   `json:"break_iteration"`
	Justification  string `json:"justification"`
}

// envelopeProbe validates required fields before committing to an Envelope.
// A pointer distinguishes "false" from "absent".
type envelopeProbe struct {
	CodeComplete   *bool   `json:"code_complete"`
	BreakIteration *bool   `json:"break_iteration"`
	Justification  *string `json:"justification"`
}

// ansiEscape matches CSI and OSC terminal control sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// ReviewEnvelope extracts the first complete top-level JSON object from the
// review pass's output and validates it. Returns nil when no balanced object
// is found, the object is not valid JSON, or code_complete is missing or not
// a boolean.
func ReviewEnvelope(output string) *Envelope {
	cleaned := ansiEscape.ReplaceAllString(output, "")
	cleaned = strings.ReplaceAll(cleaned, "\r", "")

	obj, ok := firstObject(cleaned)
	if !ok {
		return nil
	}

	var probe envelopeProbe
	if err := json.Unmarshal([]byte(obj), &probe); err != nil {
		return nil
	}
	if probe.CodeComplete == nil {
		return nil
	}

	env := &Envelope{CodeComplete: *probe.CodeComplete}
	if probe.BreakIteration != nil {
		env.BreakIteration = *probe.BreakIteration
	}
	if probe.Justification != nil {
		env.Justification = *probe.Justification
	}
	return env
}

// firstObject locates the first brace-balanced top-level {...} object.
// Braces inside JSON strings (and escaped quotes inside those strings) do
// not count toward the balance.
func firstObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return "", false
}
