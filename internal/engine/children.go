package engine

import (
	"context"
	"fmt"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

const taskType = "Task"

// TaskCounts tallies task copies for one story.
type TaskCounts struct {
	Succeeded int
	Failed    int
}

// ReplicateChildren copies the tasks of source under created. It never
// fails: a task fetch error yields zero counts and a warning, and each
// task create error is counted and skipped.
func (e Engine) ReplicateChildren(ctx context.Context, source, created domain.EntityRef) (TaskCounts, []string) {
	var counts TaskCounts
	tasks, err := e.Assets.Query(ctx, taskType, asset.Query{
		Select: e.Config.Replication.TaskFields,
		Where:  fmt.Sprintf("%s='%s'", domain.AttrParent, source),
	})
	if err != nil {
		return counts, []string{fmt.Sprintf("could not fetch tasks of %s: %s", source, asset.MessageOf(err))}
	}
	var warnings []string
	untitled := e.untitled()
	for _, task := range tasks {
		if _, err := e.Assets.Create(ctx, taskType, ProjectTask(task, created, untitled)); err != nil {
			counts.Failed++
			warnings = append(warnings, fmt.Sprintf("task %s not copied: %s", task.Ref, asset.MessageOf(err)))
			e.logger().Warn("task create failed", "task", task.Ref.String(), "story", created.String(), "err", err)
			continue
		}
		counts.Succeeded++
	}
	return counts, warnings
}
