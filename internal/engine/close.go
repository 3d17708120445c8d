package engine

import (
	"context"
	"fmt"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

// ClosedResult reports whether the source ended up closed. Warning is set
// when the close operation failed.
type ClosedResult struct {
	Closed  bool
	Warning string
}

// EnsureClosed closes src unless its AssetState already is the closed state.
// On success the cached AssetState is updated in place. Failures never stop
// replication.
func (e Engine) EnsureClosed(ctx context.Context, src *domain.SourceEntity) ClosedResult {
	closed := e.Config.Replication.ClosedState
	if v, ok := src.Attr(domain.AttrAssetState); ok && v.String() == closed {
		return ClosedResult{Closed: true}
	}
	op := e.Config.Replication.CloseOperation
	if err := e.Assets.Operation(ctx, src.Ref, op); err != nil {
		return ClosedResult{Warning: fmt.Sprintf("could not close %s: %s", src.Ref, asset.MessageOf(err))}
	}
	src.SetAttr(domain.AttrAssetState, domain.Scalar(closed))
	return ClosedResult{Closed: true}
}
