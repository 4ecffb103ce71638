// Package cascade propagates task completion upward through the
// hierarchy. A task status change triggers one synchronous, bottom-up
// pass: the owning sprint is recomputed, then the milestone, then the
// project, flipping each to Completed at 100% and reopening any
// previously completed ancestor that dropped below 100%. The pass is
// bounded by the fixed hierarchy depth; there is no recursion and no
// deferred work besides event delivery.
package cascade

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"strata-core/domain"
	"strata-core/progress"
)

// SnapshotSource reads one consistent branch of the hierarchy. The
// engine performs no storage I/O of its own; the host provides this.
type SnapshotSource interface {
	Branch(ctx context.Context, taskID string) (domain.Branch, error)
}

// StatusWriter persists the container status flips the engine decides
// on. Writes happen inside the same logical transaction as the task
// mutation that triggered the cascade.
type StatusWriter interface {
	SetSprintStatus(ctx context.Context, sprintID string, status domain.Status) error
	SetMilestoneStatus(ctx context.Context, milestoneID string, status domain.Status) error
	SetProjectStatus(ctx context.Context, projectID string, status domain.Status) error
}

// EventSink receives completion and reopen events. Delivery is
// fire-and-forget: the engine never blocks on, retries, or fails a
// cascade because of the sink.
type EventSink interface {
	Publish(event domain.Event)
}

// Engine is the auto-completion state machine. All exported methods
// are safe for concurrent use; invocations touching the same project
// branch are serialized.
type Engine struct {
	source SnapshotSource
	writer StatusWriter
	sink   EventSink
	logger *log.Logger
	locks  *branchLocks
}

// New creates an engine. sink may be nil when no event consumer is
// wired; source, writer and logger are required.
func New(source SnapshotSource, writer StatusWriter, sink EventSink, logger *log.Logger) *Engine {
	if source == nil {
		panic("cascade: snapshot source is required")
	}
	if writer == nil {
		panic("cascade: status writer is required")
	}
	if logger == nil {
		panic("cascade: logger is required")
	}
	return &Engine{
		source: source,
		writer: writer,
		sink:   sink,
		logger: logger,
		locks:  newBranchLocks(),
	}
}

// OnTaskStatusChanged runs one cascade for a committed task status
// change. The caller invokes it immediately after persisting the new
// status, inside the same transaction. The returned result lists the
// recomputed percentages for the task's ancestor chain and every
// completion or reopen event the pass produced.
func (e *Engine) OnTaskStatusChanged(ctx context.Context, taskID string, oldStatus, newStatus domain.Status) (domain.CascadeResult, error) {
	return e.run(ctx, taskID, oldStatus, newStatus)
}

// Recalculate runs a cascade without a status transition, for
// mutations that change percentages some other way (a weight edit).
func (e *Engine) Recalculate(ctx context.Context, taskID string) (domain.CascadeResult, error) {
	unchanged := domain.Status("")
	return e.run(ctx, taskID, unchanged, unchanged)
}

func (e *Engine) run(ctx context.Context, taskID string, oldStatus, newStatus domain.Status) (domain.CascadeResult, error) {
	// The branch key (owning project) is stable for the task's
	// lifetime, so an unlocked read may resolve it before the
	// serialized snapshot is taken.
	key, err := e.source.Branch(ctx, taskID)
	if err != nil {
		return domain.CascadeResult{}, err
	}

	release := e.locks.acquire(key.Project.ID)
	defer release()

	branch, err := e.source.Branch(ctx, taskID)
	if err != nil {
		return domain.CascadeResult{}, err
	}
	if err := validateBranch(taskID, &branch); err != nil {
		return domain.CascadeResult{}, err
	}

	sprint := branch.Sprint()
	milestone := branch.Milestone()
	project := &branch.Project

	result := domain.CascadeResult{}

	sprintPct := progress.Sprint(sprint.Tasks)
	result.Percentages.Sprint = sprintPct
	if err := e.transition(ctx, rankSprint, sprint.ID, &sprint.Status, sprintPct,
		fmt.Sprintf("All %d tasks completed!", len(sprint.Tasks)), &result); err != nil {
		return result, err
	}

	milestonePct := progress.Milestone(milestone.Sprints)
	result.Percentages.Milestone = milestonePct
	if err := e.transition(ctx, rankMilestone, milestone.ID, &milestone.Status, milestonePct,
		fmt.Sprintf("All %d sprints completed!", len(milestone.Sprints)), &result); err != nil {
		return result, err
	}

	projectPct := progress.Project(project.Milestones)
	result.Percentages.Project = projectPct
	projectWasCompleted := project.Status == domain.StatusCompleted
	if err := e.transition(ctx, rankProject, project.ID, &project.Status, projectPct,
		fmt.Sprintf("All %d milestones completed!", len(project.Milestones)), &result); err != nil {
		return result, err
	}

	// The workspace carries no status of its own: when the last
	// project completes, only a notification event is emitted.
	if !projectWasCompleted && project.Status == domain.StatusCompleted {
		e.checkWorkspace(&branch, &result)
	}

	e.logger.WithFields(log.Fields{
		"task":      taskID,
		"old":       oldStatus,
		"new":       newStatus,
		"sprint":    result.Percentages.Sprint,
		"milestone": result.Percentages.Milestone,
		"project":   result.Percentages.Project,
		"events":    len(result.Events),
	}).Debug("cascade completed")

	return result, nil
}

// rankSpec binds a hierarchy rank to its status writer and event
// types.
type rankSpec struct {
	rank          domain.Rank
	completedType string
	reopenedType  string
}

var (
	rankSprint    = rankSpec{domain.RankSprint, domain.EventSprintCompleted, domain.EventSprintReopened}
	rankMilestone = rankSpec{domain.RankMilestone, domain.EventMilestoneCompleted, domain.EventMilestoneReopened}
	rankProject   = rankSpec{domain.RankProject, domain.EventProjectCompleted, domain.EventProjectReopened}
)

// transition applies the completion state machine for one container:
// flip to Completed at 100%, reopen to In Progress when a previously
// Completed container drops below 100%. status is updated in place so
// the next rank up observes the new value within the same snapshot.
func (e *Engine) transition(ctx context.Context, spec rankSpec, id string, status *domain.Status, pct float64, summary string, result *domain.CascadeResult) error {
	switch {
	case pct >= 100 && *status != domain.StatusCompleted:
		if err := e.writeStatus(ctx, spec.rank, id, domain.StatusCompleted); err != nil {
			return err
		}
		*status = domain.StatusCompleted
		e.emit(spec.completedType, string(spec.rank), id, pct, summary, result)
	case pct < 100 && *status == domain.StatusCompleted:
		if err := e.writeStatus(ctx, spec.rank, id, domain.StatusInProgress); err != nil {
			return err
		}
		*status = domain.StatusInProgress
		e.emit(spec.reopenedType, string(spec.rank), id, pct, "", result)
	}
	return nil
}

func (e *Engine) writeStatus(ctx context.Context, rank domain.Rank, id string, status domain.Status) error {
	switch rank {
	case domain.RankSprint:
		return e.writer.SetSprintStatus(ctx, id, status)
	case domain.RankMilestone:
		return e.writer.SetMilestoneStatus(ctx, id, status)
	case domain.RankProject:
		return e.writer.SetProjectStatus(ctx, id, status)
	}
	return fmt.Errorf("unknown rank %q", rank)
}

// checkWorkspace emits the workspace-completed event when every
// project in the workspace, including the one just flipped, is
// Completed.
func (e *Engine) checkWorkspace(branch *domain.Branch, result *domain.CascadeResult) {
	if len(branch.Projects) == 0 {
		return
	}
	for _, p := range branch.Projects {
		if p.ID == branch.Project.ID {
			continue
		}
		if p.Status != domain.StatusCompleted {
			return
		}
	}
	e.emit(domain.EventWorkspaceCompleted, string(domain.RankWorkspace), branch.WorkspaceID, 100,
		fmt.Sprintf("All %d projects have been completed!", len(branch.Projects)), result)
}

func (e *Engine) emit(eventType, entityType, entityID string, pct float64, summary string, result *domain.CascadeResult) {
	payload, err := sonic.Marshal(domain.CompletionPayload{Percentage: pct, Summary: summary})
	if err != nil {
		// Payload is a plain struct; marshal cannot fail in practice.
		e.logger.WithError(err).Error("failed to encode cascade event payload")
		payload = nil
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		EntityType: entityType,
		Type:       eventType,
		Data:       sonic.NoCopyRawMessage(payload),
		Time:       nextTimestamp(),
	}
	result.Events = append(result.Events, ev)
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}

// validateBranch rejects structurally invalid snapshots before any
// recomputation runs.
func validateBranch(taskID string, b *domain.Branch) error {
	milestone := b.Milestone()
	if milestone == nil {
		return InconsistentSnapshotError{TaskID: taskID, Reason: fmt.Sprintf("milestone %s not in project %s", b.MilestoneID, b.Project.ID)}
	}
	sprint := b.Sprint()
	if sprint == nil {
		return InconsistentSnapshotError{TaskID: taskID, Reason: fmt.Sprintf("sprint %s not in milestone %s", b.SprintID, b.MilestoneID)}
	}

	found := false
	for _, m := range b.Project.Milestones {
		for _, s := range m.Sprints {
			for _, t := range s.Tasks {
				if t.Weight < 0 || t.Weight > 100 {
					return InconsistentSnapshotError{TaskID: taskID, Reason: fmt.Sprintf("task %s weight %v out of range", t.ID, t.Weight)}
				}
				if t.SprintID != s.ID {
					return InconsistentSnapshotError{TaskID: taskID, Reason: fmt.Sprintf("task %s dangling sprint reference %s", t.ID, t.SprintID)}
				}
				if t.ID == taskID {
					found = true
				}
			}
		}
	}
	if !found {
		return InconsistentSnapshotError{TaskID: taskID, Reason: "task missing from its branch snapshot"}
	}
	return nil
}

var lastTimestamp int64

// nextTimestamp returns a strictly monotonic nanosecond timestamp so
// events within one cascade order deterministically.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
