package domain

// Status is the lifecycle state of a task or of a container
// (sprint, milestone, project). Tasks and containers share the
// "In Progress" state but otherwise use disjoint subsets.
type Status string

const (
	// Task statuses.
	StatusTodo       Status = "To-do"
	StatusInProgress Status = "In Progress"
	StatusReview     Status = "Review"
	StatusDone       Status = "Done"

	// Container statuses.
	StatusNotStarted Status = "Not Started"
	StatusCompleted  Status = "Completed"
)

// Priority orders tasks for display. It does not participate in
// completion calculations.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Task is a leaf item of the hierarchy. Weight is the task's share of
// its sprint in percent [0,100]; the committed weights of a sprint
// never sum above 100.
type Task struct {
	ID       string   `json:"id"`
	SprintID string   `json:"sprintId"`
	Title    string   `json:"title"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority,omitempty"`
	Weight   float64  `json:"weight"`
}

// IsDone reports whether the task contributes its weight to sprint
// completion.
func (t Task) IsDone() bool {
	return t.Status == StatusDone
}
