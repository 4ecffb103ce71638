// Package storage provides the host-side collaborators the cascade
// core consumes: a hierarchy store implementing snapshot reads and
// status writes, and a redis read-through cache for progress queries.
// The core itself never touches persistence; any backend implementing
// the same contracts can replace this one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"strata-core/depgraph"
	"strata-core/domain"
	"strata-core/ledger"
)

// ErrNotFound is returned for lookups of unknown entity ids.
var ErrNotFound = errors.New("entity not found")

type workspaceRec struct {
	id       string
	name     string
	projects []string
}

type projectRec struct {
	id          string
	workspaceID string
	name        string
	status      domain.Status
	milestones  []string
}

type milestoneRec struct {
	id        string
	projectID string
	name      string
	status    domain.Status
	sprints   []string
}

type sprintRec struct {
	id          string
	milestoneID string
	name        string
	status      domain.Status
	tasks       []string // insertion order
}

// MemoryStore is an in-memory hierarchy store. It implements the
// cascade engine's SnapshotSource and StatusWriter contracts and the
// mutation operations the api layer needs. All methods are safe for
// concurrent use; every check-then-commit (weight validation, edge
// insertion) runs atomically under the store mutex.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceRec
	projects   map[string]*projectRec
	milestones map[string]*milestoneRec
	sprints    map[string]*sprintRec
	tasks      map[string]*domain.Task

	deps *depgraph.Graph
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*workspaceRec),
		projects:   make(map[string]*projectRec),
		milestones: make(map[string]*milestoneRec),
		sprints:    make(map[string]*sprintRec),
		tasks:      make(map[string]*domain.Task),
		deps:       depgraph.New(),
	}
}

// CreateWorkspace adds a workspace and returns its id.
func (s *MemoryStore) CreateWorkspace(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.workspaces[id] = &workspaceRec{id: id, name: name}
	return id
}

// CreateProject adds a project under a workspace.
func (s *MemoryStore) CreateProject(workspaceID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return "", fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	id := uuid.NewString()
	s.projects[id] = &projectRec{id: id, workspaceID: workspaceID, name: name, status: domain.StatusNotStarted}
	ws.projects = append(ws.projects, id)
	return id, nil
}

// CreateMilestone adds a milestone under a project.
func (s *MemoryStore) CreateMilestone(projectID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	id := uuid.NewString()
	s.milestones[id] = &milestoneRec{id: id, projectID: projectID, name: name, status: domain.StatusNotStarted}
	p.milestones = append(p.milestones, id)
	return id, nil
}

// CreateSprint adds a sprint under a milestone.
func (s *MemoryStore) CreateSprint(milestoneID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[milestoneID]
	if !ok {
		return "", fmt.Errorf("milestone %s: %w", milestoneID, ErrNotFound)
	}
	id := uuid.NewString()
	s.sprints[id] = &sprintRec{id: id, milestoneID: milestoneID, name: name, status: domain.StatusNotStarted}
	m.sprints = append(m.sprints, id)
	return id, nil
}

// CreateTask adds a task to a sprint after validating its weight
// against the sprint budget.
func (s *MemoryStore) CreateTask(sprintID, title string, weight float64, priority domain.Priority) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprints[sprintID]
	if !ok {
		return domain.Task{}, fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	id := uuid.NewString()
	if err := ledger.Validate(sprintID, s.sprintTasksLocked(sp), id, weight); err != nil {
		return domain.Task{}, err
	}
	if priority == "" {
		priority = domain.PriorityMedium
	}
	task := domain.Task{
		ID:       id,
		SprintID: sprintID,
		Title:    title,
		Status:   domain.StatusTodo,
		Priority: priority,
		Weight:   weight,
	}
	s.tasks[id] = &task
	sp.tasks = append(sp.tasks, id)
	return task, nil
}

// TaskByID returns a copy of the task.
func (s *MemoryStore) TaskByID(taskID string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return *t, nil
}

// SetTaskStatus commits a status change and returns the prior status.
// The caller is expected to run the cascade immediately afterwards.
func (s *MemoryStore) SetTaskStatus(taskID string, status domain.Status) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	old := t.Status
	t.Status = status
	return old, nil
}

// SetTaskWeight validates and commits a weight edit atomically.
func (s *MemoryStore) SetTaskWeight(taskID string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	sp := s.sprints[t.SprintID]
	if sp == nil {
		return fmt.Errorf("sprint %s: %w", t.SprintID, ErrNotFound)
	}
	if err := ledger.Validate(sp.id, s.sprintTasksLocked(sp), taskID, weight); err != nil {
		return err
	}
	t.Weight = weight
	return nil
}

// AddDependency inserts a dependency edge after checking both tasks
// exist. Cycle and self-dependency checks come from the graph.
func (s *MemoryStore) AddDependency(taskID, dependsOn string, kind domain.DependencyKind) error {
	// Existence check under the store lock, edge insertion under the
	// graph's own lock; the graph lock is never taken while holding
	// the store lock so IsBlocked's status callback cannot deadlock.
	s.mu.RLock()
	_, taskOK := s.tasks[taskID]
	_, depOK := s.tasks[dependsOn]
	s.mu.RUnlock()
	if !taskOK {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !depOK {
		return fmt.Errorf("task %s: %w", dependsOn, ErrNotFound)
	}
	return s.deps.AddEdge(taskID, dependsOn, kind)
}

// RemoveDependency deletes a dependency edge.
func (s *MemoryStore) RemoveDependency(taskID, dependsOn string, kind domain.DependencyKind) error {
	return s.deps.RemoveEdge(taskID, dependsOn, kind)
}

// Blockers returns the ids of tasks blocking taskID.
func (s *MemoryStore) Blockers(taskID string) []string {
	return s.deps.Blockers(taskID)
}

// IsBlocked reports whether any blocker of the task is not Done.
func (s *MemoryStore) IsBlocked(taskID string) bool {
	return s.deps.IsBlocked(taskID, func(id string) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		t, ok := s.tasks[id]
		return ok && t.IsDone()
	})
}

// SprintSnapshot assembles a consistent snapshot of one sprint.
func (s *MemoryStore) SprintSnapshot(sprintID string) (domain.SprintSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.sprints[sprintID]
	if !ok {
		return domain.SprintSnapshot{}, fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	return s.sprintSnapshotLocked(sp), nil
}

// MilestoneSnapshot assembles a consistent snapshot of one milestone.
func (s *MemoryStore) MilestoneSnapshot(milestoneID string) (domain.MilestoneSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[milestoneID]
	if !ok {
		return domain.MilestoneSnapshot{}, fmt.Errorf("milestone %s: %w", milestoneID, ErrNotFound)
	}
	return s.milestoneSnapshotLocked(m), nil
}

// ProjectSnapshot assembles a consistent snapshot of one project.
func (s *MemoryStore) ProjectSnapshot(projectID string) (domain.ProjectSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return domain.ProjectSnapshot{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return s.projectSnapshotLocked(p), nil
}

// Branch implements the cascade engine's SnapshotSource: the whole
// ancestor chain of one task read under a single lock acquisition.
func (s *MemoryStore) Branch(_ context.Context, taskID string) (domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Branch{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	sp, ok := s.sprints[t.SprintID]
	if !ok {
		return domain.Branch{}, fmt.Errorf("sprint %s: %w", t.SprintID, ErrNotFound)
	}
	m, ok := s.milestones[sp.milestoneID]
	if !ok {
		return domain.Branch{}, fmt.Errorf("milestone %s: %w", sp.milestoneID, ErrNotFound)
	}
	p, ok := s.projects[m.projectID]
	if !ok {
		return domain.Branch{}, fmt.Errorf("project %s: %w", m.projectID, ErrNotFound)
	}
	ws, ok := s.workspaces[p.workspaceID]
	if !ok {
		return domain.Branch{}, fmt.Errorf("workspace %s: %w", p.workspaceID, ErrNotFound)
	}

	refs := make([]domain.ProjectRef, 0, len(ws.projects))
	for _, pid := range ws.projects {
		if sibling, ok := s.projects[pid]; ok {
			refs = append(refs, domain.ProjectRef{ID: sibling.id, Status: sibling.status})
		}
	}

	return domain.Branch{
		WorkspaceID: ws.id,
		Projects:    refs,
		Project:     s.projectSnapshotLocked(p),
		MilestoneID: m.id,
		SprintID:    sp.id,
	}, nil
}

// SetSprintStatus implements the cascade engine's StatusWriter.
func (s *MemoryStore) SetSprintStatus(_ context.Context, sprintID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprints[sprintID]
	if !ok {
		return fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	sp.status = status
	return nil
}

// SetMilestoneStatus implements the cascade engine's StatusWriter.
func (s *MemoryStore) SetMilestoneStatus(_ context.Context, milestoneID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[milestoneID]
	if !ok {
		return fmt.Errorf("milestone %s: %w", milestoneID, ErrNotFound)
	}
	m.status = status
	return nil
}

// SetProjectStatus implements the cascade engine's StatusWriter.
func (s *MemoryStore) SetProjectStatus(_ context.Context, projectID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	p.status = status
	return nil
}

func (s *MemoryStore) sprintTasksLocked(sp *sprintRec) []domain.Task {
	tasks := make([]domain.Task, 0, len(sp.tasks))
	for _, id := range sp.tasks {
		if t, ok := s.tasks[id]; ok {
			tasks = append(tasks, *t)
		}
	}
	return tasks
}

func (s *MemoryStore) sprintSnapshotLocked(sp *sprintRec) domain.SprintSnapshot {
	return domain.SprintSnapshot{
		ID:          sp.id,
		MilestoneID: sp.milestoneID,
		Name:        sp.name,
		Status:      sp.status,
		Tasks:       s.sprintTasksLocked(sp),
	}
}

func (s *MemoryStore) milestoneSnapshotLocked(m *milestoneRec) domain.MilestoneSnapshot {
	sprints := make([]domain.SprintSnapshot, 0, len(m.sprints))
	for _, id := range m.sprints {
		if sp, ok := s.sprints[id]; ok {
			sprints = append(sprints, s.sprintSnapshotLocked(sp))
		}
	}
	return domain.MilestoneSnapshot{
		ID:        m.id,
		ProjectID: m.projectID,
		Name:      m.name,
		Status:    m.status,
		Sprints:   sprints,
	}
}

func (s *MemoryStore) projectSnapshotLocked(p *projectRec) domain.ProjectSnapshot {
	milestones := make([]domain.MilestoneSnapshot, 0, len(p.milestones))
	for _, id := range p.milestones {
		if m, ok := s.milestones[id]; ok {
			milestones = append(milestones, s.milestoneSnapshotLocked(m))
		}
	}
	return domain.ProjectSnapshot{
		ID:          p.id,
		WorkspaceID: p.workspaceID,
		Name:        p.name,
		Status:      p.status,
		Milestones:  milestones,
	}
}
