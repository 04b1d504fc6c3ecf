package tools

import "testing"

func TestNewRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{ReadFile, WriteFile, EditFile, GlobFiles, GrepSearch, GitRead, ShellExec} {
		if !r.Allowed("worker", name) {
			t.Errorf("worker default should allow %q", name)
		}
	}
	if r.Allowed("worker", GitWrite) {
		t.Error("worker default must not allow git_write")
	}
	if r.Allowed("worker", GrantTool) || r.Allowed("worker", RevokeTool) {
		t.Error("worker must not be able to grant/revoke on its own")
	}

	for _, name := range []string{ReadFile, WriteFile, EditFile, GlobFiles, GrepSearch, GitRead, GitWrite, ShellExec, GrantTool, RevokeTool, CompactWorkerContext} {
		if !r.Allowed("instructor", name) {
			t.Errorf("instructor should allow %q", name)
		}
	}
}

func TestGrantRejectsPermanentlyForbidden(t *testing.T) {
	r := NewRegistry()
	if err := r.Grant(GitWrite); err == nil {
		t.Fatal("expected an error granting git_write to the worker")
	}
	if r.Allowed("worker", GitWrite) {
		t.Error("git_write must remain forbidden to the worker after a rejected grant")
	}
}

func TestGrantThenRevoke(t *testing.T) {
	r := NewRegistry()
	const extra = "some_instructor_only_tool"

	if r.Allowed("worker", extra) {
		t.Fatal("precondition: extra tool should not be allowed yet")
	}
	if err := r.Grant(extra); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !r.Allowed("worker", extra) {
		t.Error("expected worker to be allowed the granted tool")
	}

	r.Revoke(extra)
	if r.Allowed("worker", extra) {
		t.Error("expected worker to lose the tool after revoke")
	}
}

func TestWorkerAllowSetReflectsGrantsAndRevokes(t *testing.T) {
	r := NewRegistry()
	before := len(r.WorkerAllowSet())

	if err := r.Grant("extra_tool"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if got := len(r.WorkerAllowSet()); got != before+1 {
		t.Errorf("WorkerAllowSet length = %d, want %d", got, before+1)
	}

	r.Revoke("extra_tool")
	if got := len(r.WorkerAllowSet()); got != before {
		t.Errorf("WorkerAllowSet length after revoke = %d, want %d", got, before)
	}
}

func TestPermanentlyForbiddenIsOnlyGitWrite(t *testing.T) {
	if len(PermanentlyForbidden) != 1 || !PermanentlyForbidden[GitWrite] {
		t.Errorf("PermanentlyForbidden = %v, want exactly {git_write}", PermanentlyForbidden)
	}
}
