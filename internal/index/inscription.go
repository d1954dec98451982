package index

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/envelope"
	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// InscriptionUpdater detects envelopes, assigns dense sequential numbers,
// and follows each inscription's sat across a block's transactions,
// emitting the operation stream C5 consumes (§4.4). It carries no state of
// its own between blocks; everything persists through Tables.
type InscriptionUpdater struct{}

// NewInscriptionUpdater returns a ready updater.
func NewInscriptionUpdater() *InscriptionUpdater {
	return &InscriptionUpdater{}
}

// ApplyBlock walks block's transactions in order and returns the operation
// stream for C5. It does not return a lost-sats count; lost sats are counted
// by RangeTracker.ApplyBlock. transcript is
// C3's by-product for the same block, giving access to each spent input's
// pre-consumption ranges and every output's newly assigned ranges.
func (u *InscriptionUpdater) ApplyBlock(t *Tables, block *model.BlockData, transcript *BlockTranscript) ([]model.InscriptionOp, error) {
	log := logging.GetDefault().Component("inscription")
	var ops []model.InscriptionOp

	for _, txw := range block.Txs {
		tx := txw.Tx
		envelopeIdx := uint32(0)
		fee := txFee(t, tx)

		for inputIdx, in := range tx.TxIn {
			spent := model.Outpoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}

			// Transfers: anything that was sitting anywhere within the
			// spent outpoint moves with it.
			sps, ids, err := t.InscriptionsInOutpoint(spent)
			if err != nil {
				return nil, err
			}
			for i, oldSp := range sps {
				id := ids[i]
				op, err := u.followTransfer(t, transcript, spent, oldSp, id, txw.Txid, block.Height, log)
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}

			// Creations: every envelope found in this input's witness,
			// in the order they appear.
			inscriptions, err := envelope.Parse(in.Witness)
			if err != nil {
				if err == envelope.ErrNoEnvelope {
					continue
				}
				log.Warn("skipping malformed witness", "tx", txw.Txid, "input", inputIdx, "err", err)
				continue
			}

			inputSats := transcript.InputRanges[spent]
			var firstSat *uint64
			if sat, ok := rangeSatAtOffset(inputSats, 0); ok {
				firstSat = &sat
			}

			for _, insc := range inscriptions {
				id := model.InscriptionId{Txid: txw.Txid, Index: envelopeIdx}
				envelopeIdx++

				if _, exists, err := t.InscriptionEntry(id); err != nil {
					return nil, err
				} else if exists {
					continue // duplicate envelope, ignored per §4.4
				}

				op, err := u.createInscription(t, transcript, id, insc, firstSat, fee, txw.Txid, block, log)
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}
		}
	}

	return ops, nil
}

func (u *InscriptionUpdater) followTransfer(
	t *Tables,
	transcript *BlockTranscript,
	spent model.Outpoint,
	oldSp model.Satpoint,
	id model.InscriptionId,
	txid chainhash.Hash,
	height uint32,
	log *logging.Logger,
) (model.InscriptionOp, error) {
	entry, ok, err := t.InscriptionEntry(id)
	if err != nil {
		return model.InscriptionOp{}, err
	}

	oldCopy := oldSp
	op := model.InscriptionOp{
		Txid:          txid,
		InscriptionId: id,
		OldSatpoint:   &oldCopy,
		Action:        model.ActionTransfer,
	}
	if ok {
		op.InscriptionNumber = entry.Number
	}

	newSp, err := u.locateDestination(t, transcript, spent, oldSp.Offset, entry.Sat)
	if err != nil {
		return model.InscriptionOp{}, err
	}
	op.NewSatpoint = &newSp

	if err := t.PutInscriptionLocation(id, newSp); err != nil {
		return model.InscriptionOp{}, err
	}
	if newSp.IsNull() {
		log.Debug("inscription burned", "id", id, "height", height)
	}
	return op, nil
}

func (u *InscriptionUpdater) createInscription(
	t *Tables,
	transcript *BlockTranscript,
	id model.InscriptionId,
	insc *model.Inscription,
	firstSat *uint64,
	fee uint64,
	txid chainhash.Hash,
	block *model.BlockData,
	log *logging.Logger,
) (model.InscriptionOp, error) {
	number, err := t.IncrementStatistic(StatInscriptionCount, 1)
	if err != nil {
		return model.InscriptionOp{}, err
	}
	number-- // IncrementStatistic returns the post-increment total.

	var newSp model.Satpoint
	if firstSat != nil {
		sp, ok := transcript.LocateSat(*firstSat)
		if ok {
			newSp = sp
		} else {
			newSp, err = u.burnSatpoint(t)
			if err != nil {
				return model.InscriptionOp{}, err
			}
		}
	} else {
		newSp, err = u.burnSatpoint(t)
		if err != nil {
			return model.InscriptionOp{}, err
		}
	}

	entry := model.InscriptionEntry{
		Number:    int64(number),
		Sat:       firstSat,
		Fee:       fee,
		Height:    block.Height,
		Timestamp: block.Header.Timestamp.Unix(),
		Parent:    insc.Parent,
	}
	if err := t.PutInscriptionEntry(id, entry); err != nil {
		return model.InscriptionOp{}, err
	}
	if err := t.PutInscriptionLocation(id, newSp); err != nil {
		return model.InscriptionOp{}, err
	}

	log.Debug("inscription created", "id", id, "number", number, "satpoint", newSp)

	return model.InscriptionOp{
		Txid:              txid,
		InscriptionId:     id,
		InscriptionNumber: int64(number),
		NewSatpoint:       &newSp,
		Action:            model.ActionNew,
		Inscription:       insc,
	}, nil
}

// locateDestination finds where the sat that was sitting at offset within
// spent's pre-consumption ranges ended up among this block's outputs. Falls
// back to the burn sentinel when the sat can't be traced (it fell into an
// untracked part of a fee, or sat-indexing never recorded the original
// offset's sat in the first place).
func (u *InscriptionUpdater) locateDestination(t *Tables, transcript *BlockTranscript, spent model.Outpoint, offset uint64, knownSat *uint64) (model.Satpoint, error) {
	var satVal uint64
	if knownSat != nil {
		satVal = *knownSat
	} else {
		v, found := rangeSatAtOffset(transcript.InputRanges[spent], offset)
		if !found {
			return u.burnSatpoint(t)
		}
		satVal = v
	}

	if sp, found := transcript.LocateSat(satVal); found {
		return sp, nil
	}
	return u.burnSatpoint(t)
}

// burnSatpoint returns the next null-outpoint satpoint in the burn
// sequence and advances the cursor (§4.4: "new_satpoint = null, offset =
// lost_sats_cursor").
func (u *InscriptionUpdater) burnSatpoint(t *Tables) (model.Satpoint, error) {
	cursor, err := t.IncrementStatistic(StatLostSatsCursor, 1)
	if err != nil {
		return model.Satpoint{}, err
	}
	cursor--
	return model.Satpoint{Outpoint: model.NullOutpoint, Offset: cursor}, nil
}

// rangeSatAtOffset walks ranges (in order) to find the absolute sat number
// sitting at the given offset into their concatenation.
func rangeSatAtOffset(ranges []model.SatRange, offset uint64) (uint64, bool) {
	for _, r := range ranges {
		l := r.Len()
		if offset < l {
			return r.Start + offset, true
		}
		offset -= l
	}
	return 0, false
}

// txFee computes a non-coinbase transaction's fee from cached input values,
// or 0 if any input's value isn't tracked (e.g. the coinbase transaction
// itself, whose single input has no real previous output).
func txFee(t *Tables, tx *wire.MsgTx) uint64 {
	var in, out uint64
	for _, txin := range tx.TxIn {
		if txin.PreviousOutPoint.Index == 0xffffffff {
			return 0 // coinbase
		}
		op := model.Outpoint{Hash: txin.PreviousOutPoint.Hash, Vout: txin.PreviousOutPoint.Index}
		v, ok := t.Value(op)
		if !ok {
			return 0
		}
		in += v
	}
	for _, txout := range tx.TxOut {
		out += uint64(txout.Value)
	}
	if in < out {
		return 0
	}
	return in - out
}
