// Package ledger validates task weight edits against the sprint
// budget. Weights are percentages; a sprint's committed weights may
// never sum above 100. Sums are carried in integer basis points
// (hundredths of a percent) so repeated edits cannot drift past the
// budget through floating point accumulation.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"strata-core/domain"
)

// budgetBP is the sprint weight budget in basis points.
const budgetBP = 100 * 100

// ErrWeightImmutable rejects weight edits on tasks already Done.
var ErrWeightImmutable = errors.New("weight of a done task is immutable")

// WeightBudgetExceededError reports a weight edit that would push the
// sprint past its budget. CurrentSum is the committed weight of the
// sprint's other tasks, Requested the proposed weight, both percent.
type WeightBudgetExceededError struct {
	SprintID   string
	CurrentSum float64
	Requested  float64
}

func (e WeightBudgetExceededError) Error() string {
	return fmt.Sprintf("sprint %s weight budget exceeded: %.2f committed, %.2f requested", e.SprintID, e.CurrentSum, e.Requested)
}

// InvalidWeightError reports a weight outside [0,100].
type InvalidWeightError struct {
	TaskID string
	Weight float64
}

func (e InvalidWeightError) Error() string {
	return fmt.Sprintf("task %s weight %v out of range [0,100]", e.TaskID, e.Weight)
}

// toBasisPoints converts a percentage to basis points, rounding to the
// nearest hundredth of a percent.
func toBasisPoints(pct float64) int64 {
	return int64(math.Round(pct * 100))
}

// Validate checks a proposed weight for taskID against the sprint's
// budget. tasks is the current snapshot of every task in the sprint;
// the entry for taskID, if present, is excluded from the committed sum
// since the proposal replaces it. Validate has no side effects; the
// caller commits the weight only on nil return, under the same
// serialization scope as this check.
func Validate(sprintID string, tasks []domain.Task, taskID string, proposed float64) error {
	if proposed < 0 || proposed > 100 {
		return InvalidWeightError{TaskID: taskID, Weight: proposed}
	}

	var otherBP int64
	for _, t := range tasks {
		if t.ID == taskID {
			if t.IsDone() {
				return ErrWeightImmutable
			}
			continue
		}
		if t.Weight < 0 {
			return InvalidWeightError{TaskID: t.ID, Weight: t.Weight}
		}
		otherBP += toBasisPoints(t.Weight)
	}

	if otherBP+toBasisPoints(proposed) > budgetBP {
		return WeightBudgetExceededError{
			SprintID:   sprintID,
			CurrentSum: float64(otherBP) / 100,
			Requested:  proposed,
		}
	}
	return nil
}
