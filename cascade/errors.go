package cascade

import "fmt"

// InconsistentSnapshotError reports a branch snapshot that violates
// the structural invariants of the hierarchy (negative weight, a task
// pointing at a foreign sprint, a missing ancestor). It signals a data
// integrity bug on the caller's side and is propagated unrecovered,
// never silently corrected.
type InconsistentSnapshotError struct {
	TaskID string
	Reason string
}

func (e InconsistentSnapshotError) Error() string {
	return fmt.Sprintf("inconsistent snapshot for task %s: %s", e.TaskID, e.Reason)
}
