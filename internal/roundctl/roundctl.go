// Package roundctl consumes leading `[r+n]`/`[r=n]` control tokens from a
// raw user instruction, applying them to a remaining-rounds counter and
// returning the cleaned instruction.
package roundctl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// tokenRe matches one leading `[r+n]` or `[r=n]` control token (case
// insensitive on the "r"), capturing the operator and the integer.
var tokenRe = regexp.MustCompile(`(?i)^\s*\[r([+=])(\d+)\]`)

// Result carries the cleaned instruction and a human-readable change report
// for the display, one per consumed token (in order).
type Result struct {
	Instruction     string
	RemainingRounds int // Unbounded (-1) means no limit
	Changes         []string
}

// Unbounded is the sentinel remaining-rounds value meaning "no limit".
const Unbounded = -1

// Parse consumes every leading `[r+n]`/`[r=n]` token from raw, applying each
// in turn to remaining starting from the given initial remainingRounds.
// Non-leading occurrences of the token syntax are left untouched as literal
// text. The returned instruction has all consumed prefixes stripped and
// outer whitespace trimmed.
func Parse(raw string, remainingRounds int) Result {
	rest := raw
	remaining := remainingRounds
	var changes []string

	for {
		loc := tokenRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		op := rest[loc[2]:loc[3]]
		n, err := strconv.Atoi(rest[loc[4]:loc[5]])
		if err != nil {
			break
		}
		switch op {
		case "+":
			if remaining == Unbounded {
				// adding to unbounded stays unbounded
			} else {
				remaining += n
			}
			changes = append(changes, fmt.Sprintf("Added %d rounds. Remaining: %s", n, formatRemaining(remaining)))
		case "=":
			remaining = n
			changes = append(changes, fmt.Sprintf("Set remaining rounds to %s", formatRemaining(remaining)))
		}
		rest = rest[loc[1]:]
	}

	return Result{
		Instruction:     strings.TrimSpace(rest),
		RemainingRounds: remaining,
		Changes:         changes,
	}
}

func formatRemaining(n int) string {
	if n == Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(n)
}
