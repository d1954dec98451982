package index

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/model"
)

// RangeTracker is the per-driver in-memory map outpoint → sat ranges,
// write-through ahead of the outpoint_to_sat_ranges table (§4.3). Within a
// single bbolt write transaction a table Get already reflects prior writes
// in the same transaction, so the cache here exists purely to avoid
// re-decoding the packed range encoding for outputs touched repeatedly,
// not for correctness. Each block is committed in its own transaction; the
// cache lives as long as the driver and spans the blocks it indexes.
type RangeTracker struct {
	cache map[model.Outpoint][]model.SatRange
}

// NewRangeTracker returns an empty tracker, to be reused across every block
// the driver indexes.
func NewRangeTracker() *RangeTracker {
	return &RangeTracker{cache: make(map[model.Outpoint][]model.SatRange)}
}

func (rt *RangeTracker) get(t *Tables, op model.Outpoint) ([]model.SatRange, bool) {
	if r, ok := rt.cache[op]; ok {
		return r, true
	}
	return t.SatRanges(op)
}

func (rt *RangeTracker) put(t *Tables, op model.Outpoint, ranges []model.SatRange) error {
	rt.cache[op] = ranges
	return t.PutSatRanges(op, ranges)
}

func (rt *RangeTracker) consume(t *Tables, op model.Outpoint) error {
	delete(rt.cache, op)
	return t.DeleteSatRanges(op)
}

// BlockTranscript is a by-product of one block's sat-threading pass: every
// input's pre-consumption ranges and every output's assigned ranges, kept
// only for the lifetime of the block so the inscription updater (C4) can
// follow a specific sat from its old satpoint to wherever it landed without
// re-deriving the threading decisions C3 already made.
type BlockTranscript struct {
	// InputRanges holds each spent input's ranges as they stood immediately
	// before being consumed, keyed by the spent outpoint.
	InputRanges map[model.Outpoint][]model.SatRange
	// OutputRanges holds every newly created output's assigned ranges,
	// including zero-length entries so a lookup by outpoint can distinguish
	// "zero-value output" from "not part of this block".
	OutputRanges map[model.Outpoint][]model.SatRange
	// LostRanges is whatever fee/subsidy remainder nothing claimed.
	LostRanges []model.SatRange
}

func newBlockTranscript() *BlockTranscript {
	return &BlockTranscript{
		InputRanges:  make(map[model.Outpoint][]model.SatRange),
		OutputRanges: make(map[model.Outpoint][]model.SatRange),
	}
}

// LocateSat finds the satpoint wherever sat ended up among this block's
// newly created outputs. ok is false if sat isn't present in any output
// this block produced (it may have been lost, or simply not moved).
func (bt *BlockTranscript) LocateSat(sat uint64) (model.Satpoint, bool) {
	for op, ranges := range bt.OutputRanges {
		offset := uint64(0)
		for _, r := range ranges {
			if sat >= r.Start && sat < r.End {
				return model.Satpoint{Outpoint: op, Offset: offset + (sat - r.Start)}, true
			}
			offset += r.Len()
		}
	}
	return model.Satpoint{}, false
}

// ApplyBlock threads sat ranges from inputs to outputs across every
// transaction in block, per §4.3: non-coinbase transactions first, fees
// accumulated into a pool, then the coinbase transaction consumes the
// block subsidy plus that fee pool. Returns a transcript of the block's
// range movements (for C4) and the lost-sats delta (also already folded
// into the StatLostSats counter).
func (rt *RangeTracker) ApplyBlock(t *Tables, block *model.BlockData) (*BlockTranscript, uint64, error) {
	if !block.HasTxData {
		return nil, 0, fmt.Errorf("sat-range tracker: block %d has no transaction data", block.Height)
	}
	if len(block.Txs) == 0 {
		return nil, 0, fmt.Errorf("sat-range tracker: block %d has no transactions", block.Height)
	}

	bt := newBlockTranscript()
	coinbase := block.Txs[0]
	var feePool []model.SatRange

	for _, txw := range block.Txs[1:] {
		tx := txw.Tx

		var inputPool []model.SatRange
		for _, in := range tx.TxIn {
			op := model.Outpoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
			ranges, ok := rt.get(t, op)
			if !ok {
				return nil, 0, fmt.Errorf("sat-range tracker: missing sat ranges for input %s", op)
			}
			bt.InputRanges[op] = ranges
			inputPool = append(inputPool, ranges...)
			if err := rt.consume(t, op); err != nil {
				return nil, 0, err
			}
		}

		outRanges, leftover := threadRanges(inputPool, outputValues(tx))
		for i, ranges := range outRanges {
			op := model.Outpoint{Hash: txw.Txid, Vout: uint32(i)}
			bt.OutputRanges[op] = ranges
			if len(ranges) == 0 {
				continue
			}
			if err := rt.put(t, op, ranges); err != nil {
				return nil, 0, err
			}
			if err := rt.recordUncommonSats(t, op, ranges); err != nil {
				return nil, 0, err
			}
		}
		feePool = append(feePool, leftover...)
	}

	subsidyRange := model.SatRange{
		Start: startingSat(block.Height),
		End:   startingSat(block.Height) + subsidy(block.Height),
	}
	coinbasePool := append([]model.SatRange{subsidyRange}, feePool...)

	// The coinbase transaction has no real spent outpoint, but it does
	// "carry" the newly issued subsidy plus the aggregated fee pool, so
	// record that against its own input(s): an envelope in the coinbase
	// witness then resolves its first sat the same way a normal spend's
	// would.
	for _, in := range coinbase.Tx.TxIn {
		op := model.Outpoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
		bt.InputRanges[op] = coinbasePool
	}

	outRanges, leftover := threadRanges(coinbasePool, outputValues(coinbase.Tx))
	for i, ranges := range outRanges {
		op := model.Outpoint{Hash: coinbase.Txid, Vout: uint32(i)}
		bt.OutputRanges[op] = ranges
		if len(ranges) == 0 {
			continue
		}
		if err := rt.put(t, op, ranges); err != nil {
			return nil, 0, err
		}
		if err := rt.recordUncommonSats(t, op, ranges); err != nil {
			return nil, 0, err
		}
	}

	bt.LostRanges = leftover
	lost := sumRangeLengths(leftover)
	if lost > 0 {
		existing, _ := rt.get(t, model.NullOutpoint)
		merged := append(append([]model.SatRange{}, existing...), leftover...)
		if err := rt.put(t, model.NullOutpoint, merged); err != nil {
			return nil, 0, err
		}
	}
	if _, err := t.IncrementStatistic(StatLostSats, lost); err != nil {
		return nil, 0, err
	}

	return bt, lost, nil
}

func outputValues(tx *wire.MsgTx) []uint64 {
	values := make([]uint64, len(tx.TxOut))
	for i, o := range tx.TxOut {
		values[i] = uint64(o.Value)
	}
	return values
}

// recordUncommonSats writes a sat_to_satpoint entry for every non-common
// sat newly assigned to op. Every rarity tier above common falls on the
// first sat of some block (§4.3's "first satoshi of the input"), so only
// each range's Start needs checking — walking every individual sat in a
// range spanning a large, long-held output would be unbounded work for no
// additional correctness.
func (rt *RangeTracker) recordUncommonSats(t *Tables, op model.Outpoint, ranges []model.SatRange) error {
	offset := uint64(0)
	for _, r := range ranges {
		if satRarity(r.Start) != RarityCommon {
			sp := model.Satpoint{Outpoint: op, Offset: offset}
			if err := t.PutSatLocation(r.Start, sp); err != nil {
				return err
			}
		}
		offset += r.Len()
	}
	return nil
}

// threadRanges consumes pool (in stored order) to cover each output's
// value, splitting the head range when it overshoots, and returns the
// per-output range lists plus whatever remains unconsumed.
func threadRanges(pool []model.SatRange, values []uint64) ([][]model.SatRange, []model.SatRange) {
	outs := make([][]model.SatRange, len(values))
	pi := 0
	var cur model.SatRange
	haveCur := false

	for oi, need := range values {
		var assigned []model.SatRange
		remaining := need
		for remaining > 0 {
			if !haveCur {
				if pi >= len(pool) {
					break
				}
				cur = pool[pi]
				pi++
				haveCur = true
			}
			clen := cur.Len()
			if clen <= remaining {
				assigned = append(assigned, cur)
				remaining -= clen
				haveCur = false
			} else {
				head := model.SatRange{Start: cur.Start, End: cur.Start + remaining}
				assigned = append(assigned, head)
				cur = model.SatRange{Start: cur.Start + remaining, End: cur.End}
				remaining = 0
			}
		}
		outs[oi] = assigned
	}

	var leftover []model.SatRange
	if haveCur {
		leftover = append(leftover, cur)
	}
	leftover = append(leftover, pool[pi:]...)
	return outs, leftover
}

func sumRangeLengths(ranges []model.SatRange) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	return total
}
