package domain

// Snapshot types carry a consistent read of one branch of the
// hierarchy. A cascade invocation reads exactly one Branch and never
// goes back to storage mid-flight, so all percentages within one
// invocation are computed from the same state.

// SprintSnapshot is a sprint together with its tasks.
type SprintSnapshot struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestoneId"`
	Name        string `json:"name,omitempty"`
	Status      Status `json:"status"`
	Tasks       []Task `json:"tasks"`
}

// MilestoneSnapshot is a milestone together with its sprints.
type MilestoneSnapshot struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Name      string           `json:"name,omitempty"`
	Status    Status           `json:"status"`
	Sprints   []SprintSnapshot `json:"sprints"`
}

// ProjectSnapshot is a project together with its milestones.
type ProjectSnapshot struct {
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspaceId"`
	Name        string              `json:"name,omitempty"`
	Status      Status              `json:"status"`
	Milestones  []MilestoneSnapshot `json:"milestones"`
}

// ProjectRef is the status of a sibling project, used for the
// workspace-level completion check without loading whole subtrees.
type ProjectRef struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Branch is the full ancestor chain of one task: the owning project
// subtree plus the position of the mutated task within it and the
// statuses of the workspace's projects.
type Branch struct {
	WorkspaceID string
	Projects    []ProjectRef
	Project     ProjectSnapshot
	MilestoneID string
	SprintID    string
}

// Sprint returns the snapshot of the branch's sprint, or nil when the
// branch is structurally broken.
func (b *Branch) Sprint() *SprintSnapshot {
	m := b.Milestone()
	if m == nil {
		return nil
	}
	for i := range m.Sprints {
		if m.Sprints[i].ID == b.SprintID {
			return &m.Sprints[i]
		}
	}
	return nil
}

// Milestone returns the snapshot of the branch's milestone, or nil
// when the branch is structurally broken.
func (b *Branch) Milestone() *MilestoneSnapshot {
	for i := range b.Project.Milestones {
		if b.Project.Milestones[i].ID == b.MilestoneID {
			return &b.Project.Milestones[i]
		}
	}
	return nil
}
