package server

import (
	"context"

	"github.com/grayguava/formseal/kv"
	"github.com/grayguava/formseal/pow"
)

// ReplayGuard adjudicates replay keys derived from verified proofs.
// It leans on the store's PutIfAbsent so check and mark are a single
// atomic step wherever the backend supports it; a plain read-then-write
// pair would let two concurrent copies of the same proof both pass.
type ReplayGuard struct {
	store kv.Store
}

// NewReplayGuard creates a guard over the given store.
func NewReplayGuard(store kv.Store) *ReplayGuard {
	return &ReplayGuard{store: store}
}

// CheckAndMark marks key as used and reports whether this call was the
// first to do so. The mark carries pow.ReplayTTL so it outlives the
// challenge freshness window.
func (g *ReplayGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	return g.store.PutIfAbsent(ctx, key, "1", pow.ReplayTTL)
}
