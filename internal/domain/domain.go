package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityRef identifies an asset as "<AssetType>:<id>", e.g. Story:123.
type EntityRef struct {
	Type string
	ID   string
}

// ParseRef parses "Story:123". A trailing moment segment ("Story:123:4567")
// is accepted and dropped.
func ParseRef(s string) (EntityRef, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q", s)
	}
	if parts[0] == "" {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q: missing asset type", s)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 64); err != nil {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q: id must be numeric", s)
	}
	return EntityRef{Type: parts[0], ID: parts[1]}, nil
}

// MustRef is ParseRef for literals known to be valid.
func MustRef(s string) EntityRef {
	ref, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r EntityRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Type + ":" + r.ID
}

func (r EntityRef) IsZero() bool { return r.Type == "" && r.ID == "" }

func (r EntityRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *EntityRef) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = EntityRef{}
		return nil
	}
	ref, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

type valueKind uint8

const (
	kindNull valueKind = iota
	kindScalar
	kindRelation
	kindTags
)

// AttributeValue is one attribute of a fetched asset. Relations are always
// held as a sequence; a single relation is a sequence of one.
type AttributeValue struct {
	kind   valueKind
	scalar any
	refs   []EntityRef
	tags   []string
}

func Null() AttributeValue { return AttributeValue{} }

// Scalar wraps a string, float64 or bool. A nil value is Null.
func Scalar(v any) AttributeValue {
	if v == nil {
		return Null()
	}
	return AttributeValue{kind: kindScalar, scalar: v}
}

func Relation(refs ...EntityRef) AttributeValue {
	return AttributeValue{kind: kindRelation, refs: refs}
}

func Tags(tags ...string) AttributeValue {
	return AttributeValue{kind: kindTags, tags: tags}
}

func (v AttributeValue) IsNull() bool     { return v.kind == kindNull }
func (v AttributeValue) IsScalar() bool   { return v.kind == kindScalar }
func (v AttributeValue) IsRelation() bool { return v.kind == kindRelation }
func (v AttributeValue) IsTags() bool     { return v.kind == kindTags }

// Scalar returns the raw scalar, or nil when the value is not a scalar.
func (v AttributeValue) Scalar() any {
	if v.kind != kindScalar {
		return nil
	}
	return v.scalar
}

// String renders scalars as text; relations render their first ref.
func (v AttributeValue) String() string {
	switch v.kind {
	case kindScalar:
		switch s := v.scalar.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		default:
			return fmt.Sprint(s)
		}
	case kindRelation:
		if len(v.refs) > 0 {
			return v.refs[0].String()
		}
	case kindTags:
		return strings.Join(v.tags, ",")
	}
	return ""
}

// Refs returns the relation targets in order.
func (v AttributeValue) Refs() []EntityRef {
	if v.kind != kindRelation {
		return nil
	}
	return v.refs
}

// Ref returns the first relation target.
func (v AttributeValue) Ref() (EntityRef, bool) {
	if v.kind != kindRelation || len(v.refs) == 0 {
		return EntityRef{}, false
	}
	return v.refs[0], true
}

// Strings returns tag values, or scalar strings as a single tag.
func (v AttributeValue) Strings() []string {
	switch v.kind {
	case kindTags:
		return v.tags
	case kindScalar:
		if s, ok := v.scalar.(string); ok && s != "" {
			return []string{s}
		}
	}
	return nil
}

// Asset attribute names used by the replication engine.
const (
	AttrName              = "Name"
	AttrNumber            = "Number"
	AttrDescription       = "Description"
	AttrTimebox           = "Timebox"
	AttrSuper             = "Super"
	AttrScope             = "Scope"
	AttrPriority          = "Priority"
	AttrTeam              = "Team"
	AttrEstimate          = "Estimate"
	AttrTaggedWith        = "TaggedWith"
	AttrAffectedByDefects = "AffectedByDefects"
	AttrOwners            = "Owners"
	AttrAssetState        = "AssetState"
	AttrStatus            = "Status"
	AttrParent            = "Parent"
	AttrCategory          = "Category"
	AttrToDo              = "ToDo"
	AttrSchedule          = "Schedule"
	AttrBeginDate         = "BeginDate"
	AttrEndDate           = "EndDate"
	AttrState             = "State"
)

// SourceEntity is a fetched story or task.
type SourceEntity struct {
	Ref        EntityRef
	Attributes map[string]AttributeValue
}

// Attr returns the attribute and whether it was present in the response.
func (e SourceEntity) Attr(name string) (AttributeValue, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// Text returns the attribute rendered as a string, "" when absent.
func (e SourceEntity) Text(name string) string {
	return e.Attributes[name].String()
}

// SetAttr replaces a cached attribute value in memory.
func (e *SourceEntity) SetAttr(name string, v AttributeValue) {
	if e.Attributes == nil {
		e.Attributes = map[string]AttributeValue{}
	}
	e.Attributes[name] = v
}

// ReplicationRequest selects stories to copy into a target timebox.
type ReplicationRequest struct {
	Stories []string
	Timebox EntityRef
	Parent  EntityRef
	Scope   EntityRef
	DryRun  bool
	ActorID string
}

// ItemStatus is the terminal state of one story in a batch.
type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
	StatusSkipped   ItemStatus = "skipped"
)

// Skip and failure reasons.
const (
	ReasonFetchError  = "fetch error"
	ReasonCreateError = "create error"
	ReasonDuplicate   = "duplicate selection"
	ReasonInvalidRef  = "invalid ref"
)

type ItemOutcome struct {
	Source         string         `json:"source"`
	Name           string         `json:"name,omitempty"`
	Status         ItemStatus     `json:"status" enum:"succeeded,failed,skipped"`
	Reason         string         `json:"reason,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Created        string         `json:"created,omitempty"`
	Closed         bool           `json:"closed"`
	TasksSucceeded int            `json:"tasks_succeeded"`
	TasksFailed    int            `json:"tasks_failed"`
	Warnings       []string       `json:"warnings,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type ReplicationOutcome struct {
	RunID      string        `json:"run_id"`
	Timebox    string        `json:"timebox"`
	Parent     string        `json:"parent,omitempty"`
	Scope      string        `json:"scope,omitempty"`
	DryRun     bool          `json:"dry_run"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Items      []ItemOutcome `json:"items"`
	StartedAt  string        `json:"started_at" format:"date-time"`
	FinishedAt string        `json:"finished_at" format:"date-time"`
}

// With folds one item into the outcome and returns the result.
func (o ReplicationOutcome) With(item ItemOutcome) ReplicationOutcome {
	switch {
	case item.Status == StatusSucceeded:
		o.Succeeded++
	case item.Status == StatusFailed,
		item.Status == StatusSkipped && item.Reason == ReasonFetchError:
		o.Failed++
	default:
		o.Skipped++
	}
	o.Items = append(o.Items, item)
	return o
}

// Summary is the one-line report shown to the operator.
func (o ReplicationOutcome) Summary() string {
	total := o.Succeeded + o.Failed + o.Skipped
	noun := "stories"
	if total == 1 {
		noun = "story"
	}
	prefix := "copied"
	if o.DryRun {
		prefix = "dry run:"
	}
	return fmt.Sprintf("%s %d %s: %d succeeded, %d failed, %d skipped", prefix, total, noun, o.Succeeded, o.Failed, o.Skipped)
}

// Warnings collects per-item warnings prefixed with the source ref.
func (o ReplicationOutcome) Warnings() []string {
	var out []string
	for _, it := range o.Items {
		for _, w := range it.Warnings {
			out = append(out, it.Source+": "+w)
		}
	}
	return out
}

type Timebox struct {
	Ref       string `json:"ref"`
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	BeginDate string `json:"begin_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
}

type ParentCandidate struct {
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

type StorySummary struct {
	Ref        string   `json:"ref"`
	Number     string   `json:"number,omitempty"`
	Name       string   `json:"name"`
	Status     string   `json:"status,omitempty"`
	Estimate   string   `json:"estimate,omitempty"`
	AssetState string   `json:"asset_state,omitempty"`
	Owners     []string `json:"owners,omitempty"`
}

// Catalog is the metadata the operator picks targets from.
type Catalog struct {
	Timeboxes []Timebox         `json:"timeboxes"`
	Parents   []ParentCandidate `json:"parents"`
}

// Run is a persisted batch record.
type Run struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Timebox    string `json:"timebox"`
	Parent     string `json:"parent,omitempty"`
	Scope      string `json:"scope,omitempty"`
	DryRun     bool   `json:"dry_run"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Summary    string `json:"summary"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at" format:"date-time"`
}

type RunItem struct {
	RunID          string   `json:"run_id"`
	Seq            int      `json:"seq"`
	Source         string   `json:"source"`
	Name           string   `json:"name,omitempty"`
	Status         string   `json:"status" enum:"succeeded,failed,skipped"`
	Reason         string   `json:"reason,omitempty"`
	Detail         string   `json:"detail,omitempty"`
	Created        string   `json:"created,omitempty"`
	Closed         bool     `json:"closed"`
	TasksSucceeded int      `json:"tasks_succeeded"`
	TasksFailed    int      `json:"tasks_failed"`
	Warnings       []string `json:"warnings,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
