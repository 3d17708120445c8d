package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

// ErrCatalogTimeout is returned when the metadata load misses its deadline.
var ErrCatalogTimeout = errors.New("catalog load timed out")

// LoadCatalog fetches timeboxes and parent candidates together under the
// configured soft deadline. On timeout nothing partial is returned.
func (e Engine) LoadCatalog(ctx context.Context) (domain.Catalog, error) {
	return e.loadCatalog(ctx, e.Config.CatalogTimeout())
}

func (e Engine) loadCatalog(ctx context.Context, timeout time.Duration) (domain.Catalog, error) {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		catalog domain.Catalog
		err     error
	}
	done := make(chan result, 1)
	go func() {
		var cat domain.Catalog
		g, gctx := errgroup.WithContext(loadCtx)
		g.Go(func() error {
			tbs, err := e.listTimeboxes(gctx)
			cat.Timeboxes = tbs
			return err
		})
		g.Go(func() error {
			ps, err := e.listParents(gctx)
			cat.Parents = ps
			return err
		})
		err := g.Wait()
		done <- result{catalog: cat, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return domain.Catalog{}, fmt.Errorf("load catalog: %w", r.err)
		}
		return r.catalog, nil
	case <-timer.C:
		e.logger().Warn("catalog load timed out", "timeout", timeout)
		return domain.Catalog{}, ErrCatalogTimeout
	case <-ctx.Done():
		return domain.Catalog{}, ctx.Err()
	}
}

func (e Engine) listTimeboxes(ctx context.Context) ([]domain.Timebox, error) {
	items, err := e.Assets.Query(ctx, "Timebox", asset.Query{
		Select: []string{domain.AttrName, domain.AttrBeginDate, domain.AttrEndDate, domain.AttrState, domain.AttrSchedule},
		Where:  e.Config.Catalog.TimeboxWhere,
		Sort:   "-" + domain.AttrBeginDate,
	})
	if err != nil {
		return nil, fmt.Errorf("timeboxes: %w", err)
	}
	out := make([]domain.Timebox, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Timebox{
			Ref:       it.Ref.String(),
			Name:      it.Text(domain.AttrName),
			State:     it.Text(domain.AttrState),
			BeginDate: it.Text(domain.AttrBeginDate),
			EndDate:   it.Text(domain.AttrEndDate),
			Schedule:  it.Text(domain.AttrSchedule),
		})
	}
	return out, nil
}

func (e Engine) listParents(ctx context.Context) ([]domain.ParentCandidate, error) {
	parentType := e.Config.Catalog.ParentType
	if parentType == "" {
		parentType = "Epic"
	}
	items, err := e.Assets.Query(ctx, parentType, asset.Query{
		Select: []string{domain.AttrName, domain.AttrNumber, domain.AttrScope},
		Where:  e.Config.Catalog.ParentWhere,
	})
	if err != nil {
		return nil, fmt.Errorf("parents: %w", err)
	}
	out := make([]domain.ParentCandidate, 0, len(items))
	for _, it := range items {
		out = append(out, domain.ParentCandidate{
			Ref:    it.Ref.String(),
			Name:   it.Text(domain.AttrName),
			Number: it.Text(domain.AttrNumber),
			Scope:  it.Text(domain.AttrScope),
		})
	}
	return out, nil
}

// ListStories lists the stories currently planned in a timebox.
func (e Engine) ListStories(ctx context.Context, timebox domain.EntityRef) ([]domain.StorySummary, error) {
	items, err := e.Assets.Query(ctx, "Story", asset.Query{
		Select: []string{domain.AttrName, domain.AttrNumber, domain.AttrStatus, domain.AttrEstimate, domain.AttrAssetState, domain.AttrOwners},
		Where:  fmt.Sprintf("%s='%s'", domain.AttrTimebox, timebox),
	})
	if err != nil {
		return nil, fmt.Errorf("list stories of %s: %w", timebox, err)
	}
	out := make([]domain.StorySummary, 0, len(items))
	for _, it := range items {
		s := domain.StorySummary{
			Ref:        it.Ref.String(),
			Number:     it.Text(domain.AttrNumber),
			Name:       it.Text(domain.AttrName),
			Status:     it.Text(domain.AttrStatus),
			Estimate:   it.Text(domain.AttrEstimate),
			AssetState: it.Text(domain.AttrAssetState),
		}
		if v, ok := it.Attr(domain.AttrOwners); ok {
			for _, r := range v.Refs() {
				s.Owners = append(s.Owners, r.String())
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// ResolveScope finds the scope planned on the timebox's schedule. A zero
// ref with nil error means no scope could be resolved.
func (e Engine) ResolveScope(ctx context.Context, timebox domain.EntityRef) (domain.EntityRef, error) {
	tb, err := e.Assets.Get(ctx, timebox, []string{domain.AttrName, domain.AttrSchedule})
	if err != nil {
		return domain.EntityRef{}, fmt.Errorf("resolve scope of %s: %w", timebox, err)
	}
	schedule, ok := relationOf(tb, domain.AttrSchedule)
	if !ok {
		return domain.EntityRef{}, nil
	}
	scopes, err := e.Assets.Query(ctx, "Scope", asset.Query{
		Select: []string{domain.AttrName},
		Where:  fmt.Sprintf("%s='%s'", domain.AttrSchedule, schedule),
	})
	if err != nil {
		return domain.EntityRef{}, fmt.Errorf("resolve scope of %s: %w", timebox, err)
	}
	if len(scopes) == 0 {
		return domain.EntityRef{}, nil
	}
	return scopes[0].Ref, nil
}
