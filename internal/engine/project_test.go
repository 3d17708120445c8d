package engine_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carryover/internal/asset"
	"carryover/internal/domain"
	"carryover/internal/engine"
)

func story(ref string, attrs map[string]domain.AttributeValue) domain.SourceEntity {
	return domain.SourceEntity{Ref: domain.MustRef(ref), Attributes: attrs}
}

func mutation(t *testing.T, p *asset.Payload, name string) asset.Mutation {
	t.Helper()
	m, ok := p.Get(name)
	require.Truef(t, ok, "payload has no %s; names=%v", name, p.Names())
	return m
}

func TestProjectStoryOrderAndIntents(t *testing.T) {
	src := story("Story:1", map[string]domain.AttributeValue{
		domain.AttrName:              domain.Scalar("Login page"),
		domain.AttrDescription:       domain.Scalar("<p>as a user</p>"),
		domain.AttrSuper:             domain.Relation(domain.MustRef("Epic:7")),
		domain.AttrScope:             domain.Relation(domain.MustRef("Scope:2")),
		domain.AttrPriority:          domain.Relation(domain.MustRef("StoryPriority:138")),
		domain.AttrTeam:              domain.Relation(domain.MustRef("Team:4")),
		domain.AttrEstimate:          domain.Scalar(float64(3)),
		domain.AttrTaggedWith:        domain.Tags("ui", "auth"),
		domain.AttrAffectedByDefects: domain.Relation(domain.MustRef("Defect:10"), domain.MustRef("Defect:11")),
		domain.AttrOwners:            domain.Relation(domain.MustRef("Member:1"), domain.MustRef("Member:2")),
		"Custom_Risk":                domain.Scalar("high"),
	})
	p := engine.ProjectStory(src, engine.Target{Timebox: domain.MustRef("Timebox:9")}, []string{"Custom_Risk"}, "(untitled)")

	want := []string{"Name", "Timebox", "Super", "Scope", "Custom_Risk", "Description", "Priority", "Team", "Estimate", "TaggedWith", "AffectedByDefects", "Owners"}
	if diff := cmp.Diff(want, p.Names()); diff != "" {
		t.Fatalf("attribute order (-want +got):\n%s", diff)
	}
	assert.Equal(t, asset.Mutation{Act: asset.ActSet, Value: "Timebox:9"}, mutation(t, p, "Timebox"))
	assert.Equal(t, asset.Mutation{Act: asset.ActSet, Value: "Epic:7"}, mutation(t, p, "Super"))
	assert.Equal(t, asset.Mutation{Act: asset.ActSet, Value: "StoryPriority:138"}, mutation(t, p, "Priority"))
	assert.Equal(t, asset.Mutation{Act: asset.ActSet, Value: []string{"ui", "auth"}}, mutation(t, p, "TaggedWith"))
	assert.Equal(t, asset.Mutation{Act: asset.ActAdd, Value: []string{"Member:1", "Member:2"}}, mutation(t, p, "Owners"))
	assert.Equal(t, asset.Mutation{Act: asset.ActAdd, Value: []map[string]string{
		{"idref": "Defect:10", "act": "add"},
		{"idref": "Defect:11", "act": "add"},
	}}, mutation(t, p, "AffectedByDefects"))
}

func TestProjectStoryTargetOverridesSourceRelations(t *testing.T) {
	src := story("Story:1", map[string]domain.AttributeValue{
		domain.AttrName:  domain.Scalar("x"),
		domain.AttrSuper: domain.Relation(domain.MustRef("Epic:7")),
		domain.AttrScope: domain.Relation(domain.MustRef("Scope:2")),
	})
	p := engine.ProjectStory(src, engine.Target{
		Timebox: domain.MustRef("Timebox:9"),
		Parent:  domain.MustRef("Epic:8"),
		Scope:   domain.MustRef("Scope:3"),
	}, nil, "")
	assert.Equal(t, "Epic:8", mutation(t, p, "Super").Value)
	assert.Equal(t, "Scope:3", mutation(t, p, "Scope").Value)
}

func TestProjectStoryOmitsAbsentAndNullFields(t *testing.T) {
	src := story("Story:1", map[string]domain.AttributeValue{
		domain.AttrSuper:             domain.Null(),
		domain.AttrPriority:          domain.Relation(),
		domain.AttrTeam:              domain.Null(),
		domain.AttrTaggedWith:        domain.Relation(),
		domain.AttrAffectedByDefects: domain.Relation(),
		domain.AttrOwners:            domain.Relation(),
		"Custom_Risk":                domain.Null(),
	})
	p := engine.ProjectStory(src, engine.Target{Timebox: domain.MustRef("Timebox:9")}, []string{"Custom_Risk"}, "(untitled)")
	assert.Equal(t, []string{"Name", "Timebox"}, p.Names())
	assert.Equal(t, "(untitled)", mutation(t, p, "Name").Value)

	body, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "Super")
}

func TestProjectStorySingleOwnerIsBareIdref(t *testing.T) {
	src := story("Story:1", map[string]domain.AttributeValue{
		domain.AttrOwners: domain.Relation(domain.MustRef("Member:1")),
	})
	p := engine.ProjectStory(src, engine.Target{Timebox: domain.MustRef("Timebox:9")}, nil, "(untitled)")
	assert.Equal(t, asset.Mutation{Act: asset.ActAdd, Value: "Member:1"}, mutation(t, p, "Owners"))
}

func TestProjectTask(t *testing.T) {
	task := domain.SourceEntity{Ref: domain.MustRef("Task:5"), Attributes: map[string]domain.AttributeValue{
		domain.AttrName:        domain.Scalar("write tests"),
		domain.AttrDescription: domain.Scalar("unit"),
		domain.AttrCategory:    domain.Relation(domain.MustRef("TaskCategory:1")),
		domain.AttrToDo:        domain.Scalar("3.5"),
		domain.AttrTaggedWith:  domain.Tags("qa"),
		domain.AttrOwners:      domain.Relation(domain.MustRef("Member:4")),
		domain.AttrStatus:      domain.Relation(domain.MustRef("TaskStatus:2")),
	}}
	p := engine.ProjectTask(task, domain.MustRef("Story:9001"), "(untitled)")

	got := p.Map()
	want := map[string]any{
		"Name":        map[string]any{"act": "set", "value": "write tests"},
		"Parent":      map[string]any{"act": "set", "value": "Story:9001"},
		"Description": map[string]any{"act": "set", "value": "unit"},
		"Category":    map[string]any{"act": "set", "value": "TaskCategory:1"},
		"ToDo":        map[string]any{"act": "set", "value": 3.5},
		"TaggedWith":  map[string]any{"act": "set", "value": []string{"qa"}},
		"Owners":      map[string]any{"act": "add", "value": "Member:4"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("task payload (-want +got):\n%s", diff)
	}
}

func TestProjectTaskDropsNonNumericToDo(t *testing.T) {
	task := domain.SourceEntity{Ref: domain.MustRef("Task:5"), Attributes: map[string]domain.AttributeValue{
		domain.AttrToDo: domain.Scalar("soon"),
	}}
	p := engine.ProjectTask(task, domain.MustRef("Story:9001"), "(untitled)")
	assert.False(t, p.Has("ToDo"))
	assert.Equal(t, "(untitled)", mutation(t, p, "Name").Value)
}
