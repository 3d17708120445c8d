package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"carryover/internal/asset"
	"carryover/internal/config"
	"carryover/internal/domain"
	"carryover/internal/events"
	"carryover/internal/repo"
	"carryover/internal/telemetry"
)

// Assets is the subset of the asset API the engine drives.
type Assets interface {
	Get(ctx context.Context, ref domain.EntityRef, fields []string) (domain.SourceEntity, error)
	Query(ctx context.Context, assetType string, q asset.Query) ([]domain.SourceEntity, error)
	Create(ctx context.Context, assetType string, p *asset.Payload) (domain.EntityRef, error)
	Operation(ctx context.Context, ref domain.EntityRef, op string) error
}

// ErrMissingTimebox is returned when a request has no target timebox.
var ErrMissingTimebox = errors.New("target timebox is required")

type Engine struct {
	Assets Assets
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string

	tracer  trace.Tracer
	stories metric.Int64Counter
}

// New builds an engine over an asset client. db may be nil, in which case
// runs are not recorded.
func New(assets Assets, cfg *config.Config, db *sql.DB) Engine {
	e := Engine{
		Assets: assets,
		Config: cfg,
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Logger: slog.Default(),
		Now:    time.Now,
		NewID:  uuid.NewString,
		tracer: telemetry.Tracer("engine"),
	}
	e.stories, _ = telemetry.Meter("engine").Int64Counter("carryover.stories",
		metric.WithDescription("Stories processed by replication batches, by status"))
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracerOrDefault() trace.Tracer {
	if e.tracer != nil {
		return e.tracer
	}
	return telemetry.Tracer("engine")
}

func (e Engine) countStory(ctx context.Context, status domain.ItemStatus) {
	if e.stories == nil {
		return
	}
	e.stories.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Stage is a step of a single story's replication.
type Stage string

const (
	StageFetching            Stage = "fetching"
	StageClosing             Stage = "closing"
	StageProjecting          Stage = "projecting"
	StageCreating            Stage = "creating"
	StageReplicatingChildren Stage = "replicating_children"
	StageDone                Stage = "done"
	StageSkippedFetchFailed  Stage = "skipped_fetch_failed"
	StageFailedCreate        Stage = "failed_create"
)

type selection struct {
	raw    string
	ref    domain.EntityRef
	reason string
	detail string
}

// planSelection parses the selected refs in order. Repeats and unparseable
// refs are marked as skipped.
func planSelection(stories []string) []selection {
	seen := make(map[domain.EntityRef]bool, len(stories))
	out := make([]selection, 0, len(stories))
	for _, raw := range stories {
		ref, err := domain.ParseRef(raw)
		switch {
		case err != nil:
			out = append(out, selection{raw: strings.TrimSpace(raw), reason: domain.ReasonInvalidRef, detail: err.Error()})
		case seen[ref]:
			out = append(out, selection{raw: ref.String(), ref: ref, reason: domain.ReasonDuplicate})
		default:
			seen[ref] = true
			out = append(out, selection{raw: ref.String(), ref: ref})
		}
	}
	return out
}

// Replicate copies the selected stories into the target timebox, one at a
// time in selection order. Per-story failures are reported in the outcome;
// the returned error is only set for an unusable request.
func (e Engine) Replicate(ctx context.Context, req domain.ReplicationRequest) (domain.ReplicationOutcome, error) {
	if e.Config == nil {
		return domain.ReplicationOutcome{}, errors.New("config not loaded")
	}
	if req.Timebox.IsZero() {
		return domain.ReplicationOutcome{}, ErrMissingTimebox
	}
	// The batch runs to completion once started.
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracerOrDefault().Start(ctx, "replicate.batch", trace.WithAttributes(
		attribute.String("carryover.timebox", req.Timebox.String()),
		attribute.Int("carryover.selected", len(req.Stories)),
		attribute.Bool("carryover.dry_run", req.DryRun),
	))
	defer span.End()

	target := Target{Timebox: req.Timebox, Parent: req.Parent, Scope: req.Scope}
	outcome := domain.ReplicationOutcome{
		RunID:     e.newID(),
		Timebox:   req.Timebox.String(),
		Parent:    req.Parent.String(),
		Scope:     req.Scope.String(),
		DryRun:    req.DryRun,
		Items:     []domain.ItemOutcome{},
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	log := e.logger().With("run_id", outcome.RunID)
	log.Info("replication started", "timebox", outcome.Timebox, "parent", outcome.Parent, "stories", len(req.Stories), "dry_run", req.DryRun)

	for _, sel := range planSelection(req.Stories) {
		var item domain.ItemOutcome
		if sel.reason != "" {
			item = domain.ItemOutcome{Source: sel.raw, Status: domain.StatusSkipped, Reason: sel.reason, Detail: sel.detail}
			log.Warn("story skipped", "story", sel.raw, "reason", sel.reason)
		} else {
			item = e.replicateStory(ctx, log, sel.ref, target, req.DryRun)
		}
		e.countStory(ctx, item.Status)
		outcome = outcome.With(item)
	}
	outcome.FinishedAt = e.now().UTC().Format(time.RFC3339)

	span.SetAttributes(
		attribute.Int("carryover.succeeded", outcome.Succeeded),
		attribute.Int("carryover.failed", outcome.Failed),
		attribute.Int("carryover.skipped", outcome.Skipped),
	)
	log.Info(outcome.Summary())
	for _, w := range outcome.Warnings() {
		log.Warn("replication warning", "warning", w)
	}
	if err := e.recordRun(ctx, req.ActorID, outcome); err != nil {
		log.Warn("record run failed", "err", err)
	}
	return outcome, nil
}

// replicateStory drives one story through its stages.
func (e Engine) replicateStory(ctx context.Context, log *slog.Logger, ref domain.EntityRef, target Target, dryRun bool) domain.ItemOutcome {
	ctx, span := e.tracerOrDefault().Start(ctx, "replicate.story", trace.WithAttributes(attribute.String("carryover.story", ref.String())))
	defer span.End()

	log = log.With("story", ref.String())
	item := domain.ItemOutcome{Source: ref.String()}
	enter := func(s Stage) { log.Debug("stage", "stage", string(s)) }

	enter(StageFetching)
	src, err := e.FetchStory(ctx, ref)
	if err != nil {
		enter(StageSkippedFetchFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ReasonFetchError)
		log.Warn("fetch failed", "err", err)
		item.Status = domain.StatusSkipped
		item.Reason = domain.ReasonFetchError
		item.Detail = asset.MessageOf(err)
		return item
	}
	item.Name = src.Text(domain.AttrName)

	if !dryRun {
		enter(StageClosing)
		res := e.EnsureClosed(ctx, &src)
		item.Closed = res.Closed
		if res.Warning != "" {
			log.Warn("close failed", "warning", res.Warning)
			item.Warnings = append(item.Warnings, res.Warning)
		}
	}

	enter(StageProjecting)
	payload := e.ProjectStory(src, target)
	if dryRun {
		enter(StageDone)
		item.Status = domain.StatusSucceeded
		item.Payload = payload.Map()
		return item
	}

	enter(StageCreating)
	created, err := e.Assets.Create(ctx, ref.Type, payload)
	if err != nil {
		enter(StageFailedCreate)
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ReasonCreateError)
		log.Warn("create failed", "err", err)
		item.Status = domain.StatusFailed
		item.Reason = domain.ReasonCreateError
		item.Detail = asset.MessageOf(err)
		return item
	}
	item.Created = created.String()

	enter(StageReplicatingChildren)
	counts, warnings := e.ReplicateChildren(ctx, ref, created)
	item.TasksSucceeded = counts.Succeeded
	item.TasksFailed = counts.Failed
	item.Warnings = append(item.Warnings, warnings...)

	enter(StageDone)
	item.Status = domain.StatusSucceeded
	log.Info("story copied", "created", item.Created, "tasks_succeeded", counts.Succeeded, "tasks_failed", counts.Failed)
	return item
}

// recordRun stores the outcome and its events in one transaction.
func (e Engine) recordRun(ctx context.Context, actorID string, o domain.ReplicationOutcome) error {
	if e.DB == nil {
		return nil
	}
	if actorID == "" {
		actorID = "local-user"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run := domain.Run{
		ID:         o.RunID,
		ActorID:    actorID,
		Timebox:    o.Timebox,
		Parent:     o.Parent,
		Scope:      o.Scope,
		DryRun:     o.DryRun,
		Succeeded:  o.Succeeded,
		Failed:     o.Failed,
		Skipped:    o.Skipped,
		Summary:    o.Summary(),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeReplicationStarted, run.ID, "run", run.ID, actorID, events.EventPayload{
		"timebox": run.Timebox, "parent": run.Parent, "selected": len(o.Items), "dry_run": run.DryRun,
	}); err != nil {
		return err
	}
	for i, it := range o.Items {
		ri := domain.RunItem{
			RunID:          run.ID,
			Seq:            i,
			Source:         it.Source,
			Name:           it.Name,
			Status:         string(it.Status),
			Reason:         it.Reason,
			Detail:         it.Detail,
			Created:        it.Created,
			Closed:         it.Closed,
			TasksSucceeded: it.TasksSucceeded,
			TasksFailed:    it.TasksFailed,
			Warnings:       it.Warnings,
		}
		if err := e.Repo.InsertRunItem(ctx, tx, ri); err != nil {
			return fmt.Errorf("insert run item: %w", err)
		}
		payload := events.EventPayload{"status": ri.Status}
		if ri.Created != "" {
			payload["created"] = ri.Created
			payload["tasks_succeeded"] = ri.TasksSucceeded
			payload["tasks_failed"] = ri.TasksFailed
		}
		if ri.Reason != "" {
			payload["reason"] = ri.Reason
		}
		if err := e.Events.Append(ctx, tx, itemEventType(it.Status), run.ID, "story", it.Source, actorID, payload); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeReplicationCompleted, run.ID, "run", run.ID, actorID, events.EventPayload{
		"succeeded": run.Succeeded, "failed": run.Failed, "skipped": run.Skipped, "summary": run.Summary,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func itemEventType(s domain.ItemStatus) string {
	switch s {
	case domain.StatusSucceeded:
		return events.TypeStoryReplicated
	case domain.StatusFailed:
		return events.TypeStoryFailed
	default:
		return events.TypeStorySkipped
	}
}
