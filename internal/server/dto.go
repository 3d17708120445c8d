package server

import (
	"encoding/json"

	"carryover/internal/domain"
)

// Request payloads

type ReplicationRequestBody struct {
	Stories      []string `json:"stories" doc:"Story refs to copy, in order" example:"[\"Story:501\",\"Story:502\"]"`
	Timebox      string   `json:"timebox" doc:"Target timebox ref" example:"Timebox:9"`
	Parent       string   `json:"parent,omitempty" doc:"Parent for every copy; the source parent is kept when omitted"`
	Scope        string   `json:"scope,omitempty" doc:"Scope for every copy"`
	ResolveScope bool     `json:"resolve_scope,omitempty" doc:"Resolve the scope from the timebox schedule when scope is empty"`
	DryRun       bool     `json:"dry_run,omitempty" doc:"Fetch and project only"`
}

// Response payloads

type ItemResponse struct {
	Source         string         `json:"source"`
	Name           string         `json:"name,omitempty"`
	Status         string         `json:"status" enum:"succeeded,failed,skipped"`
	Reason         string         `json:"reason,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Created        string         `json:"created,omitempty"`
	Closed         bool           `json:"closed"`
	TasksSucceeded int            `json:"tasks_succeeded"`
	TasksFailed    int            `json:"tasks_failed"`
	Warnings       []string       `json:"warnings"`
	Payload        map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type ReplicationResponse struct {
	RunID      string         `json:"run_id"`
	Timebox    string         `json:"timebox"`
	Parent     string         `json:"parent,omitempty"`
	Scope      string         `json:"scope,omitempty"`
	DryRun     bool           `json:"dry_run"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Summary    string         `json:"summary"`
	Warnings   []string       `json:"warnings"`
	Items      []ItemResponse `json:"items"`
	StartedAt  string         `json:"started_at" format:"date-time"`
	FinishedAt string         `json:"finished_at" format:"date-time"`
}

type RunResponse struct {
	domain.Run
	Items []domain.RunItem `json:"items"`
}

type paginatedRuns struct {
	Items      []domain.Run `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StoriesResponse struct {
	Timebox string                `json:"timebox"`
	Items   []domain.StorySummary `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// Mapping helpers

func replicationResponse(o domain.ReplicationOutcome) ReplicationResponse {
	res := ReplicationResponse{
		RunID:      o.RunID,
		Timebox:    o.Timebox,
		Parent:     o.Parent,
		Scope:      o.Scope,
		DryRun:     o.DryRun,
		Succeeded:  o.Succeeded,
		Failed:     o.Failed,
		Skipped:    o.Skipped,
		Summary:    o.Summary(),
		Warnings:   nonNilSlice(o.Warnings()),
		Items:      make([]ItemResponse, 0, len(o.Items)),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
	for _, it := range o.Items {
		res.Items = append(res.Items, ItemResponse{
			Source:         it.Source,
			Name:           it.Name,
			Status:         string(it.Status),
			Reason:         it.Reason,
			Detail:         it.Detail,
			Created:        it.Created,
			Closed:         it.Closed,
			TasksSucceeded: it.TasksSucceeded,
			TasksFailed:    it.TasksFailed,
			Warnings:       nonNilSlice(it.Warnings),
			Payload:        it.Payload,
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
