package runtime

import (
	"context"
	"testing"
)

func holdTestExecution(content string) *Execution {
	flow := &Flow{
		Name:   "main",
		Digest: ContentDigest(content),
		Steps:  map[string][]Expr{"start": {}, "other": {}},
	}
	bot := &Bot{ID: "bot", DefaultFlow: "main", Flows: map[string]*Flow{"main": flow}}
	return NewExecution(context.Background(), bot, flow, Client{BotID: "bot", ChannelID: "web", UserID: "u1"}, DefaultConfig())
}

func TestSaveHold_CheckForHold(t *testing.T) {
	store := newFakeStore()
	exec := holdTestExecution("start { hold }")
	exec.StepName = "other"
	exec.SetStepVar("answer", String("yes"))

	if err := SaveHold(exec, store, []int{3, 1, 0}); err != nil {
		t.Fatalf("SaveHold failed: %v", err)
	}

	next := holdTestExecution("start { hold }")
	next.StepName = "other"
	path, resumed, err := CheckForHold(next, store)
	if err != nil {
		t.Fatalf("CheckForHold failed: %v", err)
	}
	if !resumed || !equalPath(path, []int{3, 1, 0}) {
		t.Errorf("CheckForHold = %v, %v; want [3 1 0], true", path, resumed)
	}
	if v, ok := next.Lookup("answer"); !ok || v.Str != "yes" {
		t.Errorf("answer = %v, %v; want restored step variable", v, ok)
	}
	if next.Hold == nil || next.Hold.Index != 3 {
		t.Errorf("Hold = %+v, want top-level index 3", next.Hold)
	}
	if len(store.holds) != 0 {
		t.Error("hold not deleted after reading")
	}
}

func TestSaveHold_CopiesStepVars(t *testing.T) {
	store := newFakeStore()
	exec := holdTestExecution("start { hold }")
	exec.SetStepVar("x", Int(1))

	if err := SaveHold(exec, store, []int{0}); err != nil {
		t.Fatal(err)
	}
	exec.SetStepVar("x", Int(2))

	if h := store.holds[exec.Client.Key()]; h.StepVars["x"].Int != 1 {
		t.Errorf("stored x = %v, want 1", h.StepVars["x"])
	}
}

func TestCheckForHold_DigestMismatchRestarts(t *testing.T) {
	store := newFakeStore()
	old := holdTestExecution("start { hold }")
	old.StepName = "other"
	old.SetStepVar("answer", String("yes"))
	if err := SaveHold(old, store, []int{2}); err != nil {
		t.Fatal(err)
	}

	exec := holdTestExecution(`start { say "changed" hold }`)
	exec.StepName = "other"
	exec.SetStepVar("stale", Bool(true))

	path, resumed, err := CheckForHold(exec, store)
	if err != nil {
		t.Fatalf("CheckForHold failed: %v", err)
	}
	if resumed || path != nil {
		t.Errorf("CheckForHold = %v, %v; want nil, false", path, resumed)
	}
	if exec.StepName != DefaultStartStep || len(exec.StepVars) != 0 {
		t.Errorf("execution at %s with vars %v, want start step without vars", exec.StepName, exec.StepVars)
	}
	if len(store.holds) != 0 {
		t.Error("stale hold not deleted")
	}
}

func TestCheckForHold_NoHold(t *testing.T) {
	exec := holdTestExecution("start { hold }")
	path, resumed, err := CheckForHold(exec, newFakeStore())
	if err != nil || resumed || path != nil {
		t.Errorf("CheckForHold = %v, %v, %v; want nil, false, nil", path, resumed, err)
	}
}

func TestSaveHold_StorageError(t *testing.T) {
	store := newFakeStore()
	store.failWriteHold = true

	err := SaveHold(holdTestExecution("start { hold }"), store, []int{0})
	if !IsKind(err, ErrorKindStorage) {
		t.Errorf("error = %v, want storage error", err)
	}
}

func TestCheckForHold_IndexOnlyHold(t *testing.T) {
	store := newFakeStore()
	exec := holdTestExecution("start { hold }")
	store.holds[exec.Client.Key()] = HoldState{Index: 2, Hash: exec.Flow.Digest}

	path, resumed, err := CheckForHold(exec, store)
	if err != nil || !resumed || !equalPath(path, []int{2}) {
		t.Errorf("CheckForHold = %v, %v, %v; want [2], true, nil", path, resumed, err)
	}
}
