package domain

import "github.com/bytedance/sonic"

// Rank identifies a level of the hierarchy touched by a cascade.
type Rank string

const (
	RankSprint    Rank = "sprint"
	RankMilestone Rank = "milestone"
	RankProject   Rank = "project"
	RankWorkspace Rank = "workspace"
)

// Event types emitted by the cascade engine.
const (
	EventSprintCompleted    = "sprint-completed"
	EventMilestoneCompleted = "milestone-completed"
	EventProjectCompleted   = "project-completed"
	EventWorkspaceCompleted = "workspace-completed"
	EventSprintReopened     = "sprint-reopened"
	EventMilestoneReopened  = "milestone-reopened"
	EventProjectReopened    = "project-reopened"
)

// Event is a completion or reopen notification handed to the event
// sink. Data carries a type-specific JSON payload.
type Event struct {
	ID         string                 `json:"id"`
	EntityID   string                 `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Time       int64                  `json:"time"`
}

// CompletionPayload is the Data of completion and reopen events.
type CompletionPayload struct {
	Percentage float64 `json:"percentage"`
	Summary    string  `json:"summary,omitempty"`
}

// Progress is the set of percentages recomputed by one cascade
// invocation, full float precision. Rounding happens at the
// presentation boundary only.
type Progress struct {
	Sprint    float64 `json:"sprint"`
	Milestone float64 `json:"milestone"`
	Project   float64 `json:"project"`
}

// CascadeResult reports what one task status change did to the
// ancestor chain.
type CascadeResult struct {
	Events      []Event  `json:"events"`
	Percentages Progress `json:"percentages"`
}

// AttachmentRef addresses the target of a comment or notification:
// one of task, sprint or project, by id.
type AttachmentRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Attachment target kinds.
const (
	AttachTask    = "task"
	AttachSprint  = "sprint"
	AttachProject = "project"
)

// Valid reports whether the reference names a known target kind and a
// non-empty id.
func (r AttachmentRef) Valid() bool {
	if r.ID == "" {
		return false
	}
	switch r.Kind {
	case AttachTask, AttachSprint, AttachProject:
		return true
	}
	return false
}
