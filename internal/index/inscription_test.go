package index

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/model"
)

func buildInscriptionScript(t *testing.T, contentType, body []byte) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_FALSE)
	b.AddOp(txscript.OP_IF)
	b.AddData([]byte("ord"))
	b.AddData([]byte{1})
	b.AddData(contentType)
	b.AddData([]byte{0})
	b.AddData(body)
	b.AddOp(txscript.OP_ENDIF)
	script, err := b.Script()
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	return script
}

func coinbaseWithEnvelope(t *testing.T, outValue int64, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	in := &wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}}
	in.Witness = wire.TxWitness{make([]byte, 64), script, make([]byte, 33)}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(outValue, nil))
	return tx
}

func TestApplyBlockCoinbaseInscription(t *testing.T) {
	_, update := openTestTables(t)
	rt := NewRangeTracker()
	iu := NewInscriptionUpdater()

	const height = 0
	script := buildInscriptionScript(t, []byte("text/plain"), []byte("hello"))
	cb := coinbaseWithEnvelope(t, int64(subsidy(height)), script)
	cbTxid := chainhash.Hash{0xAA}

	block := &model.BlockData{
		Height:    height,
		Txs:       []model.TxWithId{{Tx: cb, Txid: cbTxid}},
		HasTxData: true,
	}

	var ops []model.InscriptionOp
	if err := update(func(tr *Tables) error {
		transcript, _, err := rt.ApplyBlock(tr, block)
		if err != nil {
			return err
		}
		ops, err = iu.ApplyBlock(tr, block, transcript)
		return err
	}); err != nil {
		t.Fatalf("ApplyBlock() error = %v", err)
	}

	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Action != model.ActionNew {
		t.Errorf("Action = %v, want ActionNew", op.Action)
	}
	if op.InscriptionNumber != 0 {
		t.Errorf("InscriptionNumber = %d, want 0", op.InscriptionNumber)
	}
	wantSp := model.Satpoint{Outpoint: model.Outpoint{Hash: cbTxid, Vout: 0}, Offset: 0}
	if op.NewSatpoint == nil || *op.NewSatpoint != wantSp {
		t.Errorf("NewSatpoint = %+v, want %+v", op.NewSatpoint, wantSp)
	}
	if op.Inscription == nil || string(op.Inscription.Body) != "hello" {
		t.Errorf("Inscription.Body = %q, want hello", op.Inscription.Body)
	}

	if err := update(func(tr *Tables) error {
		entry, ok, err := tr.InscriptionEntry(op.InscriptionId)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected a persisted inscription entry")
		}
		if entry.Sat == nil || *entry.Sat != startingSat(height) {
			t.Errorf("entry.Sat = %v, want %d", entry.Sat, startingSat(height))
		}
		id, ok, err := tr.InscriptionIdAtNumber(0)
		if err != nil {
			return err
		}
		if !ok || id != op.InscriptionId {
			t.Errorf("InscriptionIdAtNumber(0) = %v, want %v", id, op.InscriptionId)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestApplyBlockTransferFollowsSat(t *testing.T) {
	_, update := openTestTables(t)
	rt := NewRangeTracker()
	iu := NewInscriptionUpdater()

	script := buildInscriptionScript(t, []byte("text/plain"), []byte("hi"))
	cb := coinbaseWithEnvelope(t, int64(subsidy(0)), script)
	cbTxid := chainhash.Hash{0x01}

	genesis := &model.BlockData{
		Height:    0,
		Txs:       []model.TxWithId{{Tx: cb, Txid: cbTxid}},
		HasTxData: true,
	}

	var created model.InscriptionOp
	if err := update(func(tr *Tables) error {
		transcript, _, err := rt.ApplyBlock(tr, genesis)
		if err != nil {
			return err
		}
		ops, err := iu.ApplyBlock(tr, genesis, transcript)
		if err != nil {
			return err
		}
		created = ops[0]
		return nil
	}); err != nil {
		t.Fatalf("genesis ApplyBlock: %v", err)
	}

	// Spend the coinbase output carrying the inscription's sat into a new
	// single output in the next block.
	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: cbTxid, Index: 0}})
	spend.AddTxOut(wire.NewTxOut(int64(subsidy(0)), nil))
	spendTxid := chainhash.Hash{0x02}

	cb2 := coinbaseTx(subsidy(1))
	cb2Txid := chainhash.Hash{0x03}

	block2 := &model.BlockData{
		Height: 1,
		Txs: []model.TxWithId{
			{Tx: cb2, Txid: cb2Txid},
			{Tx: spend, Txid: spendTxid},
		},
		HasTxData: true,
	}

	var ops []model.InscriptionOp
	if err := update(func(tr *Tables) error {
		transcript, _, err := rt.ApplyBlock(tr, block2)
		if err != nil {
			return err
		}
		ops, err = iu.ApplyBlock(tr, block2, transcript)
		return err
	}); err != nil {
		t.Fatalf("block2 ApplyBlock: %v", err)
	}

	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Action != model.ActionTransfer {
		t.Errorf("Action = %v, want ActionTransfer", op.Action)
	}
	if op.InscriptionId != created.InscriptionId {
		t.Errorf("InscriptionId = %v, want %v", op.InscriptionId, created.InscriptionId)
	}
	wantSp := model.Satpoint{Outpoint: model.Outpoint{Hash: spendTxid, Vout: 0}, Offset: 0}
	if op.NewSatpoint == nil || *op.NewSatpoint != wantSp {
		t.Errorf("NewSatpoint = %+v, want %+v", op.NewSatpoint, wantSp)
	}

	if err := update(func(tr *Tables) error {
		loc, ok, err := tr.InscriptionLocation(op.InscriptionId)
		if err != nil {
			return err
		}
		if !ok || loc != wantSp {
			t.Errorf("InscriptionLocation = %+v, want %+v", loc, wantSp)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestApplyBlockDuplicateEnvelopeIgnored(t *testing.T) {
	_, update := openTestTables(t)
	rt := NewRangeTracker()
	iu := NewInscriptionUpdater()

	script := buildInscriptionScript(t, []byte("text/plain"), []byte("x"))
	cb := coinbaseWithEnvelope(t, int64(subsidy(0)), script)
	cbTxid := chainhash.Hash{0x09}
	block := &model.BlockData{
		Height:    0,
		Txs:       []model.TxWithId{{Tx: cb, Txid: cbTxid}},
		HasTxData: true,
	}

	var firstOps, secondOps []model.InscriptionOp
	if err := update(func(tr *Tables) error {
		transcript, _, err := rt.ApplyBlock(tr, block)
		if err != nil {
			return err
		}
		firstOps, err = iu.ApplyBlock(tr, block, transcript)
		return err
	}); err != nil {
		t.Fatalf("first ApplyBlock: %v", err)
	}
	if len(firstOps) != 1 {
		t.Fatalf("len(firstOps) = %d, want 1", len(firstOps))
	}

	// Re-running the same block (as a reorg replay might) must not mint a
	// second entry for the same inscription id.
	if err := update(func(tr *Tables) error {
		transcript, _, err := rt.ApplyBlock(tr, block)
		if err != nil {
			return err
		}
		secondOps, err = iu.ApplyBlock(tr, block, transcript)
		return err
	}); err != nil {
		t.Fatalf("second ApplyBlock: %v", err)
	}
	if len(secondOps) != 0 {
		t.Errorf("len(secondOps) = %d, want 0 (duplicate envelope ignored)", len(secondOps))
	}
}
