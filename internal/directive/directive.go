// Package directive parses the instructor's final free-form text into one
// of {Done, TellWorker, Malformed}. The parser is total, and no string
// inspection of instructor output happens anywhere else.
package directive

import (
	"regexp"
	"strings"
)

// Kind discriminates the parsed meaning of the Instructor's output.
type Kind int

const (
	Malformed Kind = iota
	Done
	TellWorker
)

// Directive is the parsed result: {kind, worker_instruction?, worker_model_override?}.
type Directive struct {
	Kind                Kind
	WorkerInstruction   string
	WorkerModelOverride string
}

// doneRe matches a standalone completion marker anchored at end-of-string:
// DONE, **DONE**, __DONE__, _DONE_, optionally followed by whitespace, a
// period or exclamation mark, and/or a closing ``` code fence.
var doneRe = regexp.MustCompile(`(?m)(?:^|\n)(?:\*\*DONE\*\*|__DONE__|_DONE_|DONE)[ \t]*[.!]?\s*(?:` + "`" + `{3}[ \t]*)?\s*\z`)

// tellWorkerRe matches `Tell worker(<optional clause>): ` case-insensitively
// on the literal words, capturing the optional parenthesized model clause.
var tellWorkerRe = regexp.MustCompile(`(?i)tell worker\s*(\([^)]*\))?\s*:`)

// modelClauseRe extracts the model name from `(use <m>)` or `(model: <m>)`.
var modelClauseRe = regexp.MustCompile(`(?i)^\(\s*(?:use|model\s*:)\s*([^)]+?)\s*\)$`)

// Parse is total: for any non-empty input it returns exactly one of
// {Done, TellWorker, Malformed}.
func Parse(text string) Directive {
	trimmed := strings.TrimRight(text, " \t\n\r")

	if doneRe.MatchString(trimmed) {
		return Directive{Kind: Done}
	}

	if loc := tellWorkerRe.FindStringSubmatchIndex(trimmed); loc != nil {
		clause := ""
		if loc[2] >= 0 {
			clause = trimmed[loc[2]:loc[3]]
		}
		tail := strings.TrimSpace(trimmed[loc[1]:])
		if tail == "" {
			return Directive{Kind: Malformed}
		}
		d := Directive{Kind: TellWorker, WorkerInstruction: tail}
		if clause != "" {
			if m := modelClauseRe.FindStringSubmatch(clause); m != nil {
				d.WorkerModelOverride = strings.TrimSpace(m[1])
			}
		}
		return d
	}

	return Directive{Kind: Malformed}
}
