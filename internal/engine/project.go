package engine

import (
	"strconv"
	"strings"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

// Target is where a copied story lands. Parent and Scope are optional.
type Target struct {
	Timebox domain.EntityRef
	Parent  domain.EntityRef
	Scope   domain.EntityRef
}

const defaultUntitled = "(untitled)"

// simpleFields are copied with "set" when present on the source.
var simpleFields = []string{
	domain.AttrDescription,
	domain.AttrPriority,
	domain.AttrTeam,
	domain.AttrEstimate,
	domain.AttrTaggedWith,
}

func (e Engine) untitled() string {
	if e.Config != nil && e.Config.Replication.UntitledName != "" {
		return e.Config.Replication.UntitledName
	}
	return defaultUntitled
}

// ProjectStory builds the creation payload for a copy of src in t.
func (e Engine) ProjectStory(src domain.SourceEntity, t Target) *asset.Payload {
	var optional []string
	if e.Config != nil {
		optional = e.Config.Replication.OptionalFields
	}
	return ProjectStory(src, t, optional, e.untitled())
}

// ProjectStory maps a fetched story onto a creation payload. Attributes are
// written in a fixed order and only when the source has a usable value.
func ProjectStory(src domain.SourceEntity, t Target, optional []string, untitled string) *asset.Payload {
	p := asset.NewPayload()
	p.Set(domain.AttrName, nameOf(src, untitled))
	p.Set(domain.AttrTimebox, t.Timebox.String())

	switch {
	case !t.Parent.IsZero():
		p.Set(domain.AttrSuper, t.Parent.String())
	default:
		if ref, ok := relationOf(src, domain.AttrSuper); ok {
			p.Set(domain.AttrSuper, ref.String())
		}
	}

	switch {
	case !t.Scope.IsZero():
		p.Set(domain.AttrScope, t.Scope.String())
	default:
		if ref, ok := relationOf(src, domain.AttrScope); ok {
			p.Set(domain.AttrScope, ref.String())
		}
	}

	for _, name := range optional {
		if v, ok := valueOf(src, name); ok {
			p.Set(name, v)
		}
	}

	for _, name := range simpleFields {
		if v, ok := valueOf(src, name); ok {
			p.Set(name, v)
		}
	}

	if v, ok := src.Attr(domain.AttrAffectedByDefects); ok {
		if refs := v.Refs(); len(refs) > 0 {
			p.Add(domain.AttrAffectedByDefects, asset.AddEach(refs))
		}
	}

	addOwners(p, src)
	return p
}

// ProjectTask builds the creation payload for a copy of task under parent.
func ProjectTask(task domain.SourceEntity, parent domain.EntityRef, untitled string) *asset.Payload {
	p := asset.NewPayload()
	p.Set(domain.AttrName, nameOf(task, untitled))
	p.Set(domain.AttrParent, parent.String())
	if v, ok := task.Attr(domain.AttrDescription); ok && v.IsScalar() {
		p.Set(domain.AttrDescription, v.Scalar())
	}
	if ref, ok := relationOf(task, domain.AttrCategory); ok {
		p.Set(domain.AttrCategory, ref.String())
	}
	if n, ok := numberOf(task, domain.AttrToDo); ok {
		p.Set(domain.AttrToDo, n)
	}
	if v, ok := task.Attr(domain.AttrTaggedWith); ok {
		if tags := v.Strings(); len(tags) > 0 {
			p.Set(domain.AttrTaggedWith, tags)
		}
	}
	addOwners(p, task)
	return p
}

// addOwners writes Owners with "add": a bare idref for one owner, an array
// for several. Nothing is written when no owner has a valid idref.
func addOwners(p *asset.Payload, src domain.SourceEntity) {
	v, ok := src.Attr(domain.AttrOwners)
	if !ok {
		return
	}
	refs := v.Refs()
	if len(refs) == 0 {
		return
	}
	p.Add(domain.AttrOwners, asset.RelationValue(refs))
}

func nameOf(src domain.SourceEntity, untitled string) string {
	if untitled == "" {
		untitled = defaultUntitled
	}
	if v, ok := src.Attr(domain.AttrName); ok {
		if s := v.String(); s != "" {
			return s
		}
	}
	return untitled
}

func relationOf(src domain.SourceEntity, name string) (domain.EntityRef, bool) {
	v, ok := src.Attr(name)
	if !ok {
		return domain.EntityRef{}, false
	}
	return v.Ref()
}

// valueOf renders an attribute for a "set" write: relations become their
// idref, tag sets a string slice, scalars stay as they are. Null values and
// relations without a valid idref report false.
func valueOf(src domain.SourceEntity, name string) (any, bool) {
	v, ok := src.Attr(name)
	if !ok {
		return nil, false
	}
	switch {
	case v.IsRelation():
		ref, ok := v.Ref()
		if !ok {
			return nil, false
		}
		return ref.String(), true
	case v.IsTags():
		tags := v.Strings()
		if len(tags) == 0 {
			return nil, false
		}
		return tags, true
	case v.IsScalar():
		if name == domain.AttrTaggedWith {
			return v.Strings(), len(v.Strings()) > 0
		}
		return v.Scalar(), true
	default:
		return nil, false
	}
}

// numberOf coerces a numeric or numeric-string attribute to float64.
func numberOf(src domain.SourceEntity, name string) (float64, bool) {
	v, ok := src.Attr(name)
	if !ok || !v.IsScalar() {
		return 0, false
	}
	switch n := v.Scalar().(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
