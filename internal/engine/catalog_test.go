package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carryover/internal/domain"
)

func TestLoadCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Timebox:9", map[string]any{"Name": "Sprint 9", "State": idref("State:101"), "BeginDate": "2024-01-01", "Schedule": idref("Schedule:3")})
	env.Server.Put("Timebox:8", map[string]any{"Name": "Sprint 8", "State": idref("State:102")})
	env.Server.Put("Epic:7", map[string]any{"Name": "Payments", "Number": "E-07", "Scope": idref("Scope:2"), "AssetState": "64"})
	env.Server.Put("Epic:6", map[string]any{"Name": "Archived", "AssetState": "128"})

	cat, err := env.Engine.LoadCatalog(env.Ctx)
	require.NoError(t, err)
	require.Len(t, cat.Timeboxes, 2)
	assert.Equal(t, "Timebox:8", cat.Timeboxes[0].Ref)
	assert.Equal(t, "Schedule:3", cat.Timeboxes[1].Schedule)
	require.Len(t, cat.Parents, 1)
	assert.Equal(t, domain.ParentCandidate{Ref: "Epic:7", Name: "Payments", Number: "E-07", Scope: "Scope:2"}, cat.Parents[0])
}

func TestLoadCatalogFailsAsWhole(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Timebox:9", map[string]any{"Name": "Sprint 9"})
	env.Server.FailQuery["Epic"] = true

	cat, err := env.Engine.LoadCatalog(env.Ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query failed for Epic")
	assert.Empty(t, cat.Timeboxes)
}

func TestListStories(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Story:1", map[string]any{"Name": "a", "Number": "S-01", "Timebox": idref("Timebox:9"), "Estimate": 3, "Owners": []any{idref("Member:1")}})
	env.Server.Put("Story:2", map[string]any{"Name": "b", "Timebox": idref("Timebox:8")})

	stories, err := env.Engine.ListStories(env.Ctx, domain.MustRef("Timebox:9"))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, domain.StorySummary{Ref: "Story:1", Number: "S-01", Name: "a", Estimate: "3", Owners: []string{"Member:1"}}, stories[0])
}

func TestResolveScope(t *testing.T) {
	env := newTestEnv(t)
	env.Server.Put("Timebox:9", map[string]any{"Name": "Sprint 9", "Schedule": idref("Schedule:3")})
	env.Server.Put("Timebox:8", map[string]any{"Name": "Sprint 8"})
	env.Server.Put("Scope:11", map[string]any{"Name": "Web", "Schedule": idref("Schedule:3")})
	env.Server.Put("Scope:12", map[string]any{"Name": "Mobile", "Schedule": idref("Schedule:3")})

	scope, err := env.Engine.ResolveScope(env.Ctx, domain.MustRef("Timebox:9"))
	require.NoError(t, err)
	assert.Equal(t, domain.MustRef("Scope:11"), scope)

	scope, err = env.Engine.ResolveScope(env.Ctx, domain.MustRef("Timebox:8"))
	require.NoError(t, err)
	assert.True(t, scope.IsZero())
}
