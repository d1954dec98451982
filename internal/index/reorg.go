package index

import (
	"fmt"

	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// ErrReorgUnrecoverable is returned when a reorg is detected and no retained
// savepoint lies below the diverged height: the indexer aborts and waits for
// a manual rebuild rather than guess.
var ErrReorgUnrecoverable = fmt.Errorf("reorg: no savepoint below the divergence point")

// ReorgGuard detects a chain split on the incoming block's declared parent
// and, on divergence, rolls the store back to the newest savepoint below the
// diverged height. It does not compare a savepoint's recorded hashes with
// the remote chain; if the restored state is also off the remote chain, the
// next Check detects that and rolls back again.
type ReorgGuard struct {
	store        *Store
	savepointCap int
	log          *logging.Logger
}

// NewReorgGuard returns a guard that keeps at most savepointCap snapshots.
func NewReorgGuard(store *Store, savepointCap int) *ReorgGuard {
	return &ReorgGuard{store: store, savepointCap: savepointCap, log: logging.GetDefault().Component("reorg")}
}

// Check compares block's declared previous hash against the hash the store
// has recorded at height-1. If they agree, or height == 0 (no parent to
// check), it returns false and the driver proceeds normally. If they
// disagree, Check rolls the store back to the newest usable savepoint and
// returns true along with the height execution must resume from.
func (g *ReorgGuard) Check(block *model.BlockData) (reorged bool, resumeHeight uint32, err error) {
	if block.Height == 0 {
		return false, 0, nil
	}

	parentHeight := block.Height - 1
	localHash, err := g.store.BlockHash(parentHeight)
	if err != nil {
		return false, 0, err
	}
	if localHash == nil {
		// Nothing indexed yet at the parent height: not a reorg, just a
		// fresh start or a gap the driver will fill in.
		return false, 0, nil
	}
	if *localHash == block.Header.PrevBlock {
		return false, 0, nil
	}

	g.log.Warn("reorg detected", "height", block.Height, "parentHeight", parentHeight)
	resumeHeight, err = g.rollback(parentHeight, block.Header.PrevBlock)
	if err != nil {
		return false, 0, err
	}
	return true, resumeHeight, nil
}

// rollback walks savepoints from newest to oldest and restores the first one
// taken strictly below divergedHeight, whose recorded hash is already known
// not to match the remote chain. remoteParentHash is not consulted and no
// savepoint hash is compared with the remote chain; the driver re-fetches
// from the returned height and the next Check catches a further mismatch.
func (g *ReorgGuard) rollback(divergedHeight uint32, remoteParentHash [32]byte) (uint32, error) {
	points, err := g.store.Savepoints()
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, ErrReorgUnrecoverable
	}

	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if p.Height >= divergedHeight {
			continue
		}
		if err := g.store.Restore(p); err != nil {
			return 0, fmt.Errorf("restore savepoint at height %d: %w", p.Height, err)
		}
		g.log.Warn("restored savepoint", "height", p.Height)
		return p.Height + 1, nil
	}

	return 0, ErrReorgUnrecoverable
}

// Refresh snapshots the current state at height, pruning down to the
// configured cap. The driver calls it every CommitInterval blocks and on
// shutdown.
func (g *ReorgGuard) Refresh(height uint32) error {
	return g.store.Snapshot(height, g.savepointCap)
}
