// Package assignment binds tasks to agents and drives the task-status
// transitions that follow from that binding. It never decides *which*
// task to dispatch to *which* agent — that is the Dispatch Daemon's job,
// consulting the Agent Registry and the storage layer's ready() query —
// it only applies the decision atomically once made.
package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// Assigner binds task<->entity and posts the notification that tells the
// task's creator an agent picked it up.
type Assigner struct {
	tasks    storage.TaskStore
	entities storage.EntityStore
	messages storage.MessageStore
	now      func() time.Time
}

func New(tasks storage.TaskStore, entities storage.EntityStore, messages storage.MessageStore) *Assigner {
	return &Assigner{tasks: tasks, entities: entities, messages: messages, now: time.Now}
}

// Dispatch atomically binds taskID to agentID, applies the resulting
// worktree/branch/status metadata, and notifies the task's creator.
func (a *Assigner) Dispatch(ctx context.Context, taskID, agentID string, opts models.DispatchOptions) (*models.DispatchResult, error) {
	task, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, dispatcherr.NotFound("task " + taskID)
	}
	agent, err := a.entities.GetEntity(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, dispatcherr.NotFound("entity " + agentID)
	}

	isNewAssignment := task.AssignedTo == "" || task.AssignedTo != agentID

	branch := opts.Branch
	if branch == "" {
		branch = fmt.Sprintf("agent/%s/%s", agent.Name, task.ID)
	}
	worktree := opts.Worktree

	patch := models.TaskPatch{
		AssignedTo:   &agentID,
		WorktreePath: &worktree,
		Branch:       &branch,
	}
	if opts.MarkAsStarted && task.Status == models.TaskStatusOpen {
		started := models.TaskStatusInProgress
		patch.Status = &started
	}

	updated, err := a.tasks.PatchTask(ctx, taskID, patch)
	if err != nil {
		return nil, err
	}

	notification, channel, err := a.notify(ctx, updated, agent, isNewAssignment, opts)
	if err != nil {
		return nil, err
	}

	return &models.DispatchResult{
		Task:            *updated,
		Agent:           *agent,
		Notification:    *notification,
		Channel:         *channel,
		IsNewAssignment: isNewAssignment,
		DispatchedAt:    a.now(),
	}, nil
}

// notify posts a task-assignment/task-reassignment message to the direct
// channel between the agent and the task's creator. A task with no
// CreatedBy (e.g. seeded outside the normal director flow) skips
// notification rather than failing the dispatch.
func (a *Assigner) notify(ctx context.Context, task *models.Task, agent *models.Entity, isNew bool, opts models.DispatchOptions) (*models.Message, *models.Channel, error) {
	if task.CreatedBy == "" {
		return &models.Message{}, &models.Channel{}, nil
	}

	channel, err := a.messages.CreateDirectChannel(ctx, agent.ID, task.CreatedBy)
	if err != nil {
		return nil, nil, err
	}

	msgType := models.MessageTypeTaskAssignment
	if !isNew {
		msgType = models.MessageTypeTaskReassignment
	}

	msg := &models.Message{
		SenderID: agent.ID,
		Content:  fmt.Sprintf("assigned to task %s", task.ID),
		Metadata: map[string]string{
			"type":     msgType,
			"taskId":   task.ID,
			"priority": fmt.Sprintf("%d", task.Priority),
			"restart":  fmt.Sprintf("%t", opts.Restart),
		},
	}

	posted, err := a.messages.PostMessage(ctx, channel.ID, msg)
	if err != nil {
		return nil, nil, err
	}
	return posted, channel, nil
}

// GetAgentTasks returns entityID's assigned tasks, optionally narrowed by
// task status and merge status. storage.TaskFilter only carries a single
// status value, so multi-value filters are applied in-process over the
// entity's full assignment list.
func (a *Assigner) GetAgentTasks(ctx context.Context, entityID string, filter models.AgentTaskFilter) ([]models.Task, error) {
	tasks, err := a.tasks.ListTasks(ctx, models.TaskFilter{AssignedTo: entityID})
	if err != nil {
		return nil, err
	}
	return filterTasks(tasks, filter), nil
}

// GetUnassignedTasks returns tasks with no assignee matching filter.
func (a *Assigner) GetUnassignedTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	filter.Unassigned = true
	filter.AssignedTo = ""
	return a.tasks.ListTasks(ctx, filter)
}

// ListAssignments returns tasks matching filter. Unlike GetAgentTasks it
// is not scoped to one entity; every task in our model already carries its
// orchestrator metadata inline, so this is the same read as ListTasks.
func (a *Assigner) ListAssignments(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	return a.tasks.ListTasks(ctx, filter)
}

func filterTasks(tasks []models.Task, filter models.AgentTaskFilter) []models.Task {
	if len(filter.TaskStatus) == 0 && len(filter.MergeStatus) == 0 {
		return tasks
	}
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if len(filter.TaskStatus) > 0 && !containsStatus(filter.TaskStatus, t.Status) {
			continue
		}
		if len(filter.MergeStatus) > 0 && !containsMergeStatus(filter.MergeStatus, t.MergeStatus) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func containsStatus(set []models.TaskStatus, s models.TaskStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func containsMergeStatus(set []models.MergeStatus, s models.MergeStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
