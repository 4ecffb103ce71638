package domain

// DependencyKind classifies an edge between two tasks. BlockedBy and
// Blocks are inverse views of the same ordering relation; RelatedTo is
// a symmetric annotation with no ordering semantics.
type DependencyKind string

const (
	DependencyBlockedBy DependencyKind = "Blocked By"
	DependencyBlocks    DependencyKind = "Blocks"
	DependencyRelatedTo DependencyKind = "Related To"
)

// Valid reports whether the kind is one of the three known values.
func (k DependencyKind) Valid() bool {
	switch k {
	case DependencyBlockedBy, DependencyBlocks, DependencyRelatedTo:
		return true
	}
	return false
}

// DependencyEdge is an ordered pair of tasks with a kind.
type DependencyEdge struct {
	TaskID    string         `json:"taskId"`
	DependsOn string         `json:"dependsOn"`
	Kind      DependencyKind `json:"kind"`
}
