package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

// SchemaMismatchError is an API rejection that names an optional field.
type SchemaMismatchError struct {
	Field string
	Err   error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("field %s rejected: %v", e.Field, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

func schemaMismatch(err error, optional []string) *SchemaMismatchError {
	var ae *asset.Error
	if len(optional) == 0 || !errors.As(err, &ae) || ae.Transport() {
		return nil
	}
	for _, f := range optional {
		if f != "" && strings.Contains(ae.Message, f) {
			return &SchemaMismatchError{Field: f, Err: err}
		}
	}
	return nil
}

// FetchStory reads a story with the configured base and optional fields.
func (e Engine) FetchStory(ctx context.Context, ref domain.EntityRef) (domain.SourceEntity, error) {
	return e.Fetch(ctx, ref, e.Config.Replication.StoryFields, e.Config.Replication.OptionalFields)
}

// Fetch reads base ∪ optional fields. If the API rejects the read because of
// one of the optional fields, it retries once with the base fields only.
func (e Engine) Fetch(ctx context.Context, ref domain.EntityRef, base, optional []string) (domain.SourceEntity, error) {
	ent, err := e.Assets.Get(ctx, ref, unionFields(base, optional))
	if err == nil {
		return ent, nil
	}
	mismatch := schemaMismatch(err, optional)
	if mismatch == nil {
		return domain.SourceEntity{}, fmt.Errorf("fetch %s: %w", ref, err)
	}
	e.logger().Warn("optional field not available, retrying with base fields", "story", ref.String(), "field", mismatch.Field)
	ent, err = e.Assets.Get(ctx, ref, base)
	if err != nil {
		return domain.SourceEntity{}, fmt.Errorf("fetch %s with base fields: %w", ref, err)
	}
	return ent, nil
}

func unionFields(base, optional []string) []string {
	out := make([]string, 0, len(base)+len(optional))
	seen := make(map[string]bool, len(base)+len(optional))
	for _, list := range [][]string{base, optional} {
		for _, f := range list {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
