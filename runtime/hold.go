package runtime

// CheckForHold restores the suspension point of the execution's client.
//
// A hold is read once and deleted whether or not it is used. When the flow
// content changed since the hold was written, execution restarts at the
// start step with no step variables. Otherwise the step variables are
// restored and the statement path to resume at is returned with resumed
// set.
func CheckForHold(exec *Execution, holds HoldStore) (path []int, resumed bool, err error) {
	hold, err := holds.ReadHold(exec, exec.Client)
	if err != nil {
		return nil, false, StorageError("read hold", err)
	}
	if hold == nil {
		return nil, false, nil
	}

	if err := holds.DeleteHold(exec, exec.Client); err != nil {
		return nil, false, StorageError("delete hold", err)
	}

	if exec.Flow == nil || hold.Hash != exec.Flow.Digest {
		exec.EnterStep(nil, DefaultStartStep)
		return nil, false, nil
	}

	exec.StepVars = make(map[string]Literal, len(hold.StepVars))
	for k, v := range hold.StepVars {
		exec.StepVars[k] = v
	}
	exec.Hold = hold
	return hold.ResumePath(), true, nil
}

// SaveHold persists the suspension point of the execution: the statement
// path to resume at, the step variables and the current flow digest.
func SaveHold(exec *Execution, holds HoldStore, path []int) error {
	vars := make(map[string]Literal, len(exec.StepVars))
	for k, v := range exec.StepVars {
		vars[k] = v
	}
	hold := HoldState{
		Path:     append([]int(nil), path...),
		StepVars: vars,
		Hash:     exec.Flow.Digest,
	}
	if len(path) > 0 {
		hold.Index = path[0]
	}
	if err := holds.WriteHold(exec, exec.Client, hold); err != nil {
		return StorageError("write hold", err)
	}
	return nil
}
