package index

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/bit20"
	"github.com/klingon-exchange/ord-index/internal/config"
	"github.com/klingon-exchange/ord-index/internal/dunes"
	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/internal/rpcclient"
	"github.com/klingon-exchange/ord-index/pkg/helpers"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// Driver is the single logical writer (C7) that pulls blocks from the
// producer, threads sat ranges, follows inscriptions, and folds the result
// into BIT-20 balances. Each block is indexed and committed in its own write
// transaction; every CommitInterval blocks, and on shutdown, the driver
// refreshes the reorg savepoints. Commits are not batched across blocks.
type Driver struct {
	cfg    *config.Config
	store  *Store
	client rpcclient.Client
	log    *logging.Logger

	ranges       *RangeTracker
	inscriptions *InscriptionUpdater
	reorg        *ReorgGuard
	dunes        dunes.Overlay

	shutdown chan struct{}
}

// NewDriver wires a driver around an already-open store and RPC client.
func NewDriver(cfg *config.Config, store *Store, client rpcclient.Client) *Driver {
	return &Driver{
		cfg:          cfg,
		store:        store,
		client:       client,
		log:          logging.GetDefault().Component("driver"),
		ranges:       NewRangeTracker(),
		inscriptions: NewInscriptionUpdater(),
		reorg:        NewReorgGuard(store, cfg.SavepointLimit),
		dunes:        dunes.Noop{},
		shutdown:     make(chan struct{}),
	}
}

// Shutdown requests a clean stop: the driver finishes whatever block it is
// indexing, commits, and returns from Run.
func (d *Driver) Shutdown() {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
}

func (d *Driver) shuttingDown() bool {
	select {
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

// Run drives the indexing loop until the block source is exhausted (caught
// up to the remote tip), a shutdown is requested, or a fatal error occurs.
func (d *Driver) Run(ctx context.Context) error {
	height, err := d.store.Height()
	if err != nil {
		return fmt.Errorf("driver: read store height: %w", err)
	}
	next := uint32(0)
	if height >= 0 {
		next = uint32(height) + 1
	}

	blocks := NewBlockSource(ctx, d.client, next, d.cfg.HeightLimit, 0)
	prefetch := NewPrefetcher(ctx, d.client, d.cfg.ParallelRequests)

	var blocksSinceSnapshot uint32
	lastHeight := next

	for {
		if d.shuttingDown() || ctx.Err() != nil {
			return ctx.Err()
		}

		block, ok, err := blocks.Next(ctx)
		if err != nil {
			return fmt.Errorf("driver: block source: %w", err)
		}
		if !ok {
			return nil // caught up to the remote tip
		}

		if prefetch.PendingReplies() != 0 {
			return fmt.Errorf("driver: invariant violated: %d unread prefetch replies before height %d", prefetch.PendingReplies(), block.Height)
		}

		reorged, resumeHeight, err := d.reorg.Check(block)
		if err != nil {
			return fmt.Errorf("driver: reorg check: %w", err)
		}
		if reorged {
			blocks = NewBlockSource(ctx, d.client, resumeHeight, d.cfg.HeightLimit, 0)
			continue
		}

		if err := d.indexBlock(ctx, block, prefetch); err != nil {
			return fmt.Errorf("driver: index block %d: %w", block.Height, err)
		}
		lastHeight = block.Height

		blocksSinceSnapshot++
		if blocksSinceSnapshot >= d.cfg.CommitInterval || d.shuttingDown() {
			if err := d.reorg.Refresh(lastHeight); err != nil {
				return fmt.Errorf("driver: refresh savepoints: %w", err)
			}
			d.log.Info("checkpoint", "height", lastHeight, "subsidy_btc", helpers.SatoshisToBTC(subsidy(lastHeight)))
			blocksSinceSnapshot = 0
		}
	}
}

// indexBlock runs one block through C2-C5 inside a single write transaction.
func (d *Driver) indexBlock(ctx context.Context, block *model.BlockData, prefetch *Prefetcher) error {
	return d.store.Update(func(t *Tables) error {
		if err := d.resolvePrevOutputValues(ctx, t, block, prefetch); err != nil {
			return err
		}
		d.recordScripts(t, block)

		transcript, _, err := d.ranges.ApplyBlock(t, block)
		if err != nil {
			return err
		}

		var ops []model.InscriptionOp
		if block.Height >= d.cfg.FirstInscriptionHeight {
			ops, err = d.inscriptions.ApplyBlock(t, block, transcript)
			if err != nil {
				return err
			}
		}

		if d.cfg.IndexBit20 && block.Height >= d.cfg.FirstInscriptionHeight && len(ops) > 0 {
			if err := bit20.EnsureBuckets(t.Tx()); err != nil {
				return err
			}
			resolver := &tableScriptResolver{t: t}
			res, err := bit20.Apply(t.Tx(), ops, bit20.BlockContext{
				Height: block.Height,
				Time:   block.Header.Timestamp.Unix(),
			}, resolver)
			if err != nil {
				return err
			}
			d.log.Debug("bit20 applied", "height", block.Height, "applied", res.Applied, "skipped", res.Skipped)
		}

		if d.cfg.IndexDunes && block.Height >= d.cfg.FirstDuneHeight {
			if err := d.dunes.Apply(ops, dunes.BlockContext{
				Height: block.Height,
				Time:   block.Header.Timestamp.Unix(),
			}); err != nil {
				return err
			}
		}

		if err := d.forgetSpentValues(t, block); err != nil {
			return err
		}

		return t.PutBlockHash(block.Height, block.Hash)
	})
}

// forgetSpentValues drops the cached coin value of every input this block
// spent: nothing downstream of this block needs it again once the fee and
// sat-range threading above are done.
func (d *Driver) forgetSpentValues(t *Tables, block *model.BlockData) error {
	for _, txw := range block.Txs[1:] {
		for _, in := range txw.Tx.TxIn {
			op := model.Outpoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			if err := t.DeleteValue(op); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolvePrevOutputValues fills in the coin value of every input this block
// spends that isn't already known: first from the block's own earlier
// transactions (no RPC needed), then from the persisted value cache, and
// only falling back to the prefetcher (C2) for truly unknown outpoints.
func (d *Driver) resolvePrevOutputValues(ctx context.Context, t *Tables, block *model.BlockData, prefetch *Prefetcher) error {
	localTx := make(map[chainhash.Hash]*wire.MsgTx, len(block.Txs))
	for _, txw := range block.Txs {
		localTx[txw.Txid] = txw.Tx
	}

	var pending []model.Outpoint
	for _, txw := range block.Txs {
		for _, in := range txw.Tx.TxIn {
			if in.PreviousOutPoint.Index == 0xffffffff {
				continue // coinbase
			}
			op := model.Outpoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			if _, ok := t.Value(op); ok {
				continue
			}
			if tx, ok := localTx[op.Hash]; ok {
				if int(op.Vout) < len(tx.TxOut) {
					if err := t.PutValue(op, uint64(tx.TxOut[op.Vout].Value)); err != nil {
						return err
					}
				}
				continue
			}
			pending = append(pending, op)
		}
	}

	for _, op := range pending {
		if err := prefetch.Submit(ctx, op); err != nil {
			return err
		}
	}
	for _, op := range pending {
		value, err := prefetch.RecvValue(ctx)
		if err != nil {
			return fmt.Errorf("resolve value for %s: %w", op, err)
		}
		if err := t.PutValue(op, value); err != nil {
			return err
		}
	}
	return nil
}

// recordScripts records the coin value of every output this block creates,
// so a later block spending it finds the value in the persisted cache, and
// indexes each output by its paying script, both for the
// address_to_outpoints multimap and the BIT-20 resolver's outpoint-to-script
// lookups.
func (d *Driver) recordScripts(t *Tables, block *model.BlockData) {
	for _, txw := range block.Txs {
		for vout, out := range txw.Tx.TxOut {
			op := model.Outpoint{Hash: txw.Txid, Vout: uint32(vout)}
			if err := t.PutValue(op, uint64(out.Value)); err != nil {
				d.log.Warn("failed to record output value", "outpoint", op, "err", err)
			}
			if err := t.PutScript(op, out.PkScript); err != nil {
				d.log.Warn("failed to record output script", "outpoint", op, "err", err)
				continue
			}
			if len(out.PkScript) > 0 {
				if err := t.AddAddressOutpoint(out.PkScript, op); err != nil {
					d.log.Warn("failed to index address outpoint", "outpoint", op, "err", err)
				}
			}
		}
	}
}

// tableScriptResolver implements bit20.ScriptResolver directly against the
// block's own Tables, which by this point in indexBlock already has every
// output this block produced (via recordScripts) plus everything persisted
// by prior blocks.
type tableScriptResolver struct {
	t *Tables
}

func (r *tableScriptResolver) ScriptForOutpoint(op model.Outpoint) ([]byte, bool) {
	return r.t.Script(op)
}
