// Package treasury snapshots balances across every configured chain.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/treasury-sentinel/internal/store"
)

// ChainReader snapshots one chain. Satisfied by *chain.Reader.
type ChainReader interface {
	ChainID() int64
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// Reader fans out snapshot reads across chains. Concurrency is bounded
// by the chain count: one goroutine per chain.
type Reader struct {
	chains []ChainReader
	logger *slog.Logger
}

// New creates a multi-chain treasury reader.
func New(chains []ChainReader, logger *slog.Logger) *Reader {
	return &Reader{chains: chains, logger: logger}
}

// SnapshotAll reads every chain in parallel. A single chain failure
// fails the whole snapshot; the caller treats it as a run-level failure
// and the next scheduled tick is the retry.
func (r *Reader) SnapshotAll(ctx context.Context) ([]*store.Snapshot, error) {
	snaps := make([]*store.Snapshot, len(r.chains))
	errs := make([]error, len(r.chains))

	var wg sync.WaitGroup
	for i, cr := range r.chains {
		wg.Add(1)
		go func(i int, cr ChainReader) {
			defer wg.Done()
			snap, err := cr.Snapshot(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("chain %d: %w", cr.ChainID(), err)
				return
			}
			snaps[i] = snap
		}(i, cr)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	for _, snap := range snaps {
		r.logger.Debug("treasury snapshot",
			"chain_id", snap.ChainID,
			"wallet", snap.Wallet,
			"block", snap.BlockNumber,
			"tokens", len(snap.Balances),
		)
	}

	return snaps, nil
}
