// Package progress computes completion percentages for each rank of
// the hierarchy. All functions are pure: the same snapshot always
// yields the same result, and nothing here mutates or caches state.
package progress

import "strata-core/domain"

// Sprint returns the weighted completion of a sprint in percent.
// Each Done task contributes its weight; the result is normalized by
// the total weight actually assigned, so partially budgeted sprints
// still reach 100 when every task is done. A sprint with no tasks, or
// only zero-weighted tasks, is 0 by convention and never completes
// automatically.
func Sprint(tasks []domain.Task) float64 {
	var total, done float64
	for _, t := range tasks {
		total += t.Weight
		if t.IsDone() {
			done += t.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * done / total
}

// Milestone returns the unweighted mean of its sprints' completion
// percentages, or 0 when the milestone has no sprints.
func Milestone(sprints []domain.SprintSnapshot) float64 {
	if len(sprints) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sprints {
		sum += Sprint(s.Tasks)
	}
	return sum / float64(len(sprints))
}

// Project returns the unweighted mean of its milestones' completion
// percentages, or 0 when the project has no milestones.
func Project(milestones []domain.MilestoneSnapshot) float64 {
	if len(milestones) == 0 {
		return 0
	}
	var sum float64
	for _, m := range milestones {
		sum += Milestone(m.Sprints)
	}
	return sum / float64(len(milestones))
}
