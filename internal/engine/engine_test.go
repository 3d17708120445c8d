package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carryover/internal/asset"
	"carryover/internal/asset/assettest"
	"carryover/internal/config"
	"carryover/internal/db"
	"carryover/internal/domain"
	"carryover/internal/engine"
	"carryover/internal/migrate"
	"carryover/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Server *assettest.Server
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	srv := assettest.New()
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Asset.BaseURL = srv.URL
	cfg.Asset.AuthHeader = "Bearer test"

	client := asset.New(srv.URL, cfg.Asset.AuthHeader)
	client.Logger = quietLogger()
	eng := engine.New(client, cfg, nil)
	eng.Logger = quietLogger()
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Server: srv, Ctx: context.Background()}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idref(ref string) map[string]any { return map[string]any{"idref": ref} }

func request(timebox string, stories ...string) domain.ReplicationRequest {
	return domain.ReplicationRequest{Stories: stories, Timebox: domain.MustRef(timebox)}
}

func opCalls(srv *assettest.Server, ref string) []assettest.Call {
	var out []assettest.Call
	for _, c := range srv.CallsFor(strings.Replace(ref, ":", "/", 1)) {
		if c.Op != "" {
			out = append(out, c)
		}
	}
	return out
}

func TestReplicateSingleOwnerWithoutParent(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:501", map[string]any{
		"Name":       "Checkout flow",
		"Owners":     []any{idref("Member:1")},
		"AssetState": "64",
	})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:501"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)

	created := env.Server.CreatedOfType("Story")
	require.Len(t, created, 1)
	attrs := created[0].Attributes
	assert.Equal(t, asset.Mutation{Act: asset.ActAdd, Value: "Member:1"}, attrs["Owners"])
	assert.Equal(t, asset.Mutation{Act: asset.ActSet, Value: "Timebox:9"}, attrs["Timebox"])
	assert.NotContains(t, attrs, "Super")

	item := out.Items[0]
	assert.Equal(t, domain.StatusSucceeded, item.Status)
	assert.Equal(t, "Story:9001", item.Created)
	assert.True(t, item.Closed)
	assert.Equal(t, "128", env.Server.Attr("Story:501", "AssetState"))
}

func TestReplicateCountsTaskFailuresWithoutFailingStory(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:502", map[string]any{"Name": "Search"})
	env.Server.Put("Task:1", map[string]any{"Name": "index", "Parent": idref("Story:502"), "ToDo": "2"})
	env.Server.Put("Task:2", map[string]any{"Name": "bad", "Parent": idref("Story:502")})
	env.Server.Put("Task:3", map[string]any{"Name": "elsewhere", "Parent": idref("Story:999")})
	env.Server.FailCreate = func(assetType string, attrs map[string]asset.Mutation) bool {
		return assetType == "Task" && attrs["Name"].Value == "bad"
	}

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:502"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 0, out.Failed)

	item := out.Items[0]
	assert.Equal(t, domain.StatusSucceeded, item.Status)
	assert.Equal(t, 1, item.TasksSucceeded)
	assert.Equal(t, 1, item.TasksFailed)
	require.Len(t, item.Warnings, 1)
	assert.Contains(t, item.Warnings[0], "create rejected")

	tasks := env.Server.CreatedOfType("Task")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Story:9001", tasks[0].Attributes["Parent"].Value)
	assert.Equal(t, 2.0, tasks[0].Attributes["ToDo"].Value)
}

func TestReplicateFetchFailureSkipsStory(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:503", map[string]any{"Name": "Unreachable"})
	env.Server.DropConn["Story:503"] = true

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:503"))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 0, out.Skipped)

	item := out.Items[0]
	assert.Equal(t, domain.StatusSkipped, item.Status)
	assert.Equal(t, domain.ReasonFetchError, item.Reason)
	assert.Empty(t, opCalls(env.Server, "Story:503"))
	assert.Empty(t, env.Server.Created())
	assert.Empty(t, env.Server.CallsFor("Task"))
}

func TestReplicateRetriesWithoutOptionalField(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Replication.OptionalFields = []string{"Custom_Risk"}
	env.Server.UnknownFields = []string{"Custom_Risk"}
	env.Server.Put("Story:504", map[string]any{"Name": "Reports", "Custom_Risk": "high"})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:504"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)

	var reads []assettest.Call
	for _, c := range env.Server.CallsFor("Story/504") {
		if c.Method == "GET" {
			reads = append(reads, c)
		}
	}
	require.Len(t, reads, 2)
	assert.Contains(t, reads[0].Query, "Custom_Risk")
	assert.NotContains(t, reads[1].Query, "Custom_Risk")

	created := env.Server.CreatedOfType("Story")
	require.Len(t, created, 1)
	assert.NotContains(t, created[0].Attributes, "Custom_Risk")
}

func TestFetchDoesNotRetryUnrelatedRejection(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Replication.OptionalFields = []string{"Custom_Risk"}

	_, err := env.Engine.FetchStory(env.Ctx, domain.MustRef("Story:404"))
	require.Error(t, err)
	var apiErr *asset.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
	assert.Len(t, env.Server.CallsFor("Story/404"), 1)
}

func TestReplicateCloseFailureStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:505", map[string]any{"Name": "Locked"})
	env.Server.FailOp["Story:505"] = true

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:505"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)

	item := out.Items[0]
	assert.False(t, item.Closed)
	require.NotEmpty(t, item.Warnings)
	assert.Contains(t, item.Warnings[0], "could not close Story:505")
	assert.Len(t, env.Server.CreatedOfType("Story"), 1)
	assert.Contains(t, out.Warnings()[0], "Story:505: ")
}

func TestReplicateSkipsCloseWhenAlreadyClosed(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:506", map[string]any{"Name": "Done", "AssetState": "128"})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:506"))
	require.NoError(t, err)
	assert.True(t, out.Items[0].Closed)
	assert.Empty(t, opCalls(env.Server, "Story:506"))
}

func TestReplicateParentSelection(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:507", map[string]any{"Name": "a", "Super": idref("Epic:7")})
	env.Server.Put("Story:508", map[string]any{"Name": "b", "Super": idref("Epic:7")})

	_, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:507"))
	require.NoError(t, err)
	req := request("Timebox:9", "Story:508")
	req.Parent = domain.MustRef("Epic:8")
	_, err = env.Engine.Replicate(env.Ctx, req)
	require.NoError(t, err)

	created := env.Server.CreatedOfType("Story")
	require.Len(t, created, 2)
	assert.Equal(t, "Epic:7", created[0].Attributes["Super"].Value)
	assert.Equal(t, "Epic:8", created[1].Attributes["Super"].Value)
}

func TestReplicateMultipleOwnersAsArray(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:509", map[string]any{
		"Name":   "pair",
		"Owners": []any{idref("Member:1"), map[string]any{"idref": nil}, idref("Member:2")},
	})

	_, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:509"))
	require.NoError(t, err)
	created := env.Server.CreatedOfType("Story")
	require.Len(t, created, 1)
	want := asset.Mutation{Act: asset.ActAdd, Value: []any{"Member:1", "Member:2"}}
	if diff := cmp.Diff(want, created[0].Attributes["Owners"]); diff != "" {
		t.Fatalf("owners (-want +got):\n%s", diff)
	}
}

func TestReplicateDuplicateAndInvalidSelections(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:510", map[string]any{"Name": "once"})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:510", "Story:510", "not-a-ref"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Skipped)
	require.Len(t, out.Items, 3)
	assert.Equal(t, domain.ReasonDuplicate, out.Items[1].Reason)
	assert.Equal(t, domain.ReasonInvalidRef, out.Items[2].Reason)
	assert.Len(t, env.Server.CreatedOfType("Story"), 1)
	assert.Equal(t, "copied 3 stories: 1 succeeded, 0 failed, 2 skipped", out.Summary())
}

func TestReplicateRequiresTimebox(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Replicate(env.Ctx, domain.ReplicationRequest{Stories: []string{"Story:1"}})
	assert.ErrorIs(t, err, engine.ErrMissingTimebox)
	assert.Empty(t, env.Server.Calls())
}

func TestReplicateEmptySelection(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9"))
	require.NoError(t, err)
	assert.Empty(t, out.Items)
	assert.Equal(t, "copied 0 stories: 0 succeeded, 0 failed, 0 skipped", out.Summary())
}

func TestReplicateIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:511", map[string]any{"Name": "late"})
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()

	out, err := env.Engine.Replicate(ctx, request("Timebox:9", "Story:511"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)
}

func TestReplicateDryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:512", map[string]any{"Name": "preview", "Owners": []any{idref("Member:3")}})
	req := request("Timebox:9", "Story:512")
	req.DryRun = true

	out, err := env.Engine.Replicate(env.Ctx, req)
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.Equal(t, 1, out.Succeeded)
	assert.Empty(t, env.Server.Created())
	assert.Empty(t, opCalls(env.Server, "Story:512"))

	payload := out.Items[0].Payload
	assert.Equal(t, map[string]any{"act": "add", "value": "Member:3"}, payload["Owners"])
	assert.True(t, strings.HasPrefix(out.Summary(), "dry run:"))
}

func TestReplicateRecordsRunHistory(t *testing.T) {
	env := newTestEnv(t)
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(env.Engine.Assets, env.Engine.Config, conn)
	eng.Logger = quietLogger()
	eng.NewID = func() string { return "run-1" }

	env.Server.Put("Story:513", map[string]any{"Name": "kept"})
	env.Server.FailCreate = func(assetType string, _ map[string]asset.Mutation) bool { return assetType == "Story" }
	req := request("Timebox:9", "Story:513", "Story:513")
	req.ActorID = "alice"

	out, err := eng.Replicate(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "run-1", out.RunID)

	r := repo.Repo{DB: conn}
	run, err := r.GetRun(env.Ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", run.ActorID)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, out.Summary(), run.Summary)

	items, err := r.ListRunItems(env.Ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "failed", items[0].Status)
	assert.Equal(t, domain.ReasonCreateError, items[0].Reason)
	assert.Equal(t, domain.ReasonDuplicate, items[1].Reason)

	evts, err := r.EventsAfter(env.Ctx, 0, 0, repo.EventFilters{RunID: "run-1"})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"replication.started", "story.failed", "story.skipped", "replication.completed"}, types)
}

func storyReads(srv *assettest.Server, ref string) []assettest.Call {
	var out []assettest.Call
	for _, c := range srv.CallsFor(strings.Replace(ref, ":", "/", 1)) {
		if c.Method == "GET" {
			out = append(out, c)
		}
	}
	return out
}

func TestReplicateBaseFieldRetryFailureSkipsStory(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Replication.OptionalFields = []string{"Custom_Risk"}
	env.Server.UnknownFields = []string{"Custom_Risk"}

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:515"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)

	item := out.Items[0]
	assert.Equal(t, domain.StatusSkipped, item.Status)
	assert.Equal(t, domain.ReasonFetchError, item.Reason)
	assert.Equal(t, "Asset not found: Story:515", item.Detail)
	assert.Len(t, storyReads(env.Server, "Story:515"), 2)
	assert.Empty(t, opCalls(env.Server, "Story:515"))
	assert.Empty(t, env.Server.Created())
}

func TestReplicateTaskFetchFailureKeepsStory(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:520", map[string]any{"Name": "Billing"})
	env.Server.Put("Task:30", map[string]any{"Name": "hidden", "Parent": idref("Story:520")})
	env.Server.FailQuery["Task"] = true

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:520"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 0, out.Failed)

	item := out.Items[0]
	assert.Equal(t, domain.StatusSucceeded, item.Status)
	assert.Equal(t, 0, item.TasksSucceeded)
	assert.Equal(t, 0, item.TasksFailed)
	require.Len(t, item.Warnings, 1)
	assert.Contains(t, item.Warnings[0], "could not fetch tasks of Story:520")
	assert.Empty(t, env.Server.CreatedOfType("Task"))
}

func TestReplicateCloseWithNoContentCountsAsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.Server.NoContentOps = true
	env.Server.Put("Story:521", map[string]any{"Name": "Quiet", "AssetState": "64"})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:521"))
	require.NoError(t, err)
	item := out.Items[0]
	assert.True(t, item.Closed)
	assert.Empty(t, item.Warnings)
	require.Len(t, opCalls(env.Server, "Story:521"), 1)
	assert.Len(t, env.Server.CreatedOfType("Story"), 1)
}

func TestReplicateCreateWithoutIDFailsStory(t *testing.T) {
	env := newTestEnv(t)
	env.Server.NoContentCreates = true
	env.Server.Put("Story:522", map[string]any{"Name": "Ghost"})
	env.Server.Put("Task:31", map[string]any{"Name": "orphan", "Parent": idref("Story:522")})

	out, err := env.Engine.Replicate(env.Ctx, request("Timebox:9", "Story:522"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)

	item := out.Items[0]
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.ReasonCreateError, item.Reason)
	assert.Equal(t, "create returned no id", item.Detail)
	assert.Empty(t, env.Server.CallsFor("Task"))
}
