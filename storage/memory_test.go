package storage

import (
	"context"
	"errors"
	"testing"

	"strata-core/depgraph"
	"strata-core/domain"
	"strata-core/ledger"
)

// seedBranch builds workspace > project > milestone > sprint and
// returns the store plus the ids.
func seedBranch(t *testing.T) (*MemoryStore, string, string, string, string) {
	t.Helper()
	store := NewMemoryStore()
	wsID := store.CreateWorkspace("Acme")
	projID, err := store.CreateProject(wsID, "Website")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	msID, err := store.CreateMilestone(projID, "Launch")
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	spID, err := store.CreateSprint(msID, "Sprint 1")
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	return store, wsID, projID, msID, spID
}

func TestCreateTaskEnforcesBudget(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	if _, err := store.CreateTask(spID, "a", 60, ""); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if _, err := store.CreateTask(spID, "b", 40, ""); err != nil {
		t.Fatalf("second task: %v", err)
	}
	_, err := store.CreateTask(spID, "c", 1, "")
	var budgetErr ledger.WeightBudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected budget rejection, got %v", err)
	}
	snap, err := store.SprintSnapshot(spID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("rejected task must not be committed, got %d tasks", len(snap.Tasks))
	}
}

func TestSetTaskWeightValidatesAtomically(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	a, err := store.CreateTask(spID, "a", 60, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateTask(spID, "b", 40, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetTaskWeight(a.ID, 61); err == nil {
		t.Fatalf("expected over-budget weight edit to fail")
	}
	got, err := store.TaskByID(a.ID)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if got.Weight != 60 {
		t.Fatalf("rejected edit must leave weight unchanged, got %v", got.Weight)
	}
	if err := store.SetTaskWeight(a.ID, 55); err != nil {
		t.Fatalf("valid edit: %v", err)
	}
}

func TestSetTaskWeightRejectsDoneTask(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	a, err := store.CreateTask(spID, "a", 50, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.SetTaskStatus(a.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := store.SetTaskWeight(a.ID, 20); !errors.Is(err, ledger.ErrWeightImmutable) {
		t.Fatalf("expected ErrWeightImmutable, got %v", err)
	}
}

func TestBranchAssemblesAncestorChain(t *testing.T) {
	store, wsID, projID, msID, spID := seedBranch(t)
	task, err := store.CreateTask(spID, "a", 50, domain.PriorityHigh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A sibling project shows up in the workspace refs.
	if _, err := store.CreateProject(wsID, "Mobile"); err != nil {
		t.Fatalf("sibling project: %v", err)
	}

	branch, err := store.Branch(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if branch.WorkspaceID != wsID || branch.Project.ID != projID {
		t.Fatalf("wrong ancestors: %+v", branch)
	}
	if branch.MilestoneID != msID || branch.SprintID != spID {
		t.Fatalf("wrong position: %+v", branch)
	}
	if len(branch.Projects) != 2 {
		t.Fatalf("expected 2 workspace projects, got %d", len(branch.Projects))
	}
	sprint := branch.Sprint()
	if sprint == nil || len(sprint.Tasks) != 1 || sprint.Tasks[0].ID != task.ID {
		t.Fatalf("branch sprint missing task: %+v", sprint)
	}
}

func TestBranchUnknownTask(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Branch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusWriters(t *testing.T) {
	store, _, projID, msID, spID := seedBranch(t)
	ctx := context.Background()
	if err := store.SetSprintStatus(ctx, spID, domain.StatusCompleted); err != nil {
		t.Fatalf("sprint status: %v", err)
	}
	if err := store.SetMilestoneStatus(ctx, msID, domain.StatusCompleted); err != nil {
		t.Fatalf("milestone status: %v", err)
	}
	if err := store.SetProjectStatus(ctx, projID, domain.StatusCompleted); err != nil {
		t.Fatalf("project status: %v", err)
	}
	snap, err := store.ProjectSnapshot(projID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != domain.StatusCompleted {
		t.Fatalf("expected Completed project, got %q", snap.Status)
	}
	if snap.Milestones[0].Status != domain.StatusCompleted || snap.Milestones[0].Sprints[0].Status != domain.StatusCompleted {
		t.Fatalf("expected Completed chain, got %+v", snap)
	}
}

func TestDependenciesThroughStore(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	a, _ := store.CreateTask(spID, "a", 30, "")
	b, _ := store.CreateTask(spID, "b", 30, "")

	if err := store.AddDependency(a.ID, "ghost", domain.DependencyBlockedBy); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
	}
	if err := store.AddDependency(a.ID, b.ID, domain.DependencyBlockedBy); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := store.AddDependency(b.ID, a.ID, domain.DependencyBlockedBy)
	var cycleErr depgraph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	if !store.IsBlocked(a.ID) {
		t.Fatalf("expected a blocked while b is open")
	}
	if _, err := store.SetTaskStatus(b.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}
	if store.IsBlocked(a.ID) {
		t.Fatalf("expected a unblocked once b is done")
	}
	if err := store.RemoveDependency(a.ID, b.ID, domain.DependencyBlockedBy); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := store.Blockers(a.ID); got != nil {
		t.Fatalf("expected no blockers, got %v", got)
	}
}

func TestTaskInsertionOrderPreserved(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	names := []string{"first", "second", "third"}
	for _, n := range names {
		if _, err := store.CreateTask(spID, n, 10, ""); err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
	}
	snap, err := store.SprintSnapshot(spID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for i, n := range names {
		if snap.Tasks[i].Title != n {
			t.Fatalf("task %d: expected %q, got %q", i, n, snap.Tasks[i].Title)
		}
	}
}
