package roundctl

import "testing"

func TestParseAddAndSet(t *testing.T) {
	res := Parse("[r+5] Continue the task", 2)
	if res.RemainingRounds != 7 {
		t.Fatalf("RemainingRounds = %d, want 7", res.RemainingRounds)
	}
	if res.Instruction != "Continue the task" {
		t.Fatalf("Instruction = %q, want %q", res.Instruction, "Continue the task")
	}
	if len(res.Changes) != 1 {
		t.Fatalf("Changes = %v, want 1 entry", res.Changes)
	}

	res = Parse("[r=10] Do the thing", 2)
	if res.RemainingRounds != 10 {
		t.Fatalf("RemainingRounds = %d, want 10", res.RemainingRounds)
	}
}

// Associativity: parsing [r+a][r+b] X leaves remaining == pre + a + b,
// independent of grouping, and cleaned text == "X".
func TestParseAssociative(t *testing.T) {
	res := Parse("[r+2][r+3] X", 1)
	if res.RemainingRounds != 6 {
		t.Fatalf("RemainingRounds = %d, want 6", res.RemainingRounds)
	}
	if res.Instruction != "X" {
		t.Fatalf("Instruction = %q, want %q", res.Instruction, "X")
	}
	if len(res.Changes) != 2 {
		t.Fatalf("Changes = %v, want 2 entries", res.Changes)
	}
}

func TestParseNonLeadingTokenIsLiteral(t *testing.T) {
	res := Parse("do the task [r+5] please", 2)
	if res.RemainingRounds != 2 {
		t.Fatalf("RemainingRounds = %d, want unchanged 2", res.RemainingRounds)
	}
	if res.Instruction != "do the task [r+5] please" {
		t.Fatalf("Instruction = %q, unexpected mutation", res.Instruction)
	}
}

func TestParseNoTokens(t *testing.T) {
	res := Parse("  plain instruction  ", 4)
	if res.RemainingRounds != 4 {
		t.Fatalf("RemainingRounds = %d, want 4", res.RemainingRounds)
	}
	if res.Instruction != "plain instruction" {
		t.Fatalf("Instruction = %q, want trimmed", res.Instruction)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("Changes = %v, want none", res.Changes)
	}
}

func TestParseUnbounded(t *testing.T) {
	res := Parse("[r+3] go", Unbounded)
	if res.RemainingRounds != Unbounded {
		t.Fatalf("RemainingRounds = %d, want Unbounded", res.RemainingRounds)
	}
}

func TestParseEmptyAfterStrip(t *testing.T) {
	res := Parse("[r+1]   ", 0)
	if res.Instruction != "" {
		t.Fatalf("Instruction = %q, want empty", res.Instruction)
	}
}
