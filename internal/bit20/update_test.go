package bit20

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.etcd.io/bbolt"

	"github.com/klingon-exchange/ord-index/internal/model"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bit20.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Update(EnsureBuckets); err != nil {
		t.Fatalf("ensure buckets: %v", err)
	}
	return db
}

type fakeResolver map[model.Outpoint][]byte

func (f fakeResolver) ScriptForOutpoint(op model.Outpoint) ([]byte, bool) {
	s, ok := f[op]
	return s, ok
}

func txid(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func newInscription(t *testing.T, body string) *model.Inscription {
	t.Helper()
	return &model.Inscription{ContentType: []byte("text/plain"), Body: []byte(body)}
}

func TestDeployMintFlow(t *testing.T) {
	db := openTestDB(t)

	scriptX := []byte("addr-x")
	scriptY := []byte("addr-y")
	opX := model.Outpoint{Hash: txid(1), Vout: 0}
	opY := model.Outpoint{Hash: txid(2), Vout: 0}
	resolver := fakeResolver{opX: scriptX, opY: scriptY}

	deployID := model.InscriptionId{Txid: txid(1), Index: 0}
	deployOp := model.InscriptionOp{
		Txid:          txid(1),
		InscriptionId: deployID,
		Action:        model.ActionNew,
		NewSatpoint:   &model.Satpoint{Outpoint: opX},
		Inscription:   newInscription(t, `{"p":"bit-20","op":"deploy","tick":"TEST","max":"1000","lim":"100"}`),
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := Apply(tx, []model.InscriptionOp{deployOp}, BlockContext{Height: 1}, resolver)
		return err
	}); err != nil {
		t.Fatalf("Apply(deploy) error = %v", err)
	}

	mintID := model.InscriptionId{Txid: txid(2), Index: 0}
	mintOp := model.InscriptionOp{
		Txid:          txid(2),
		InscriptionId: mintID,
		Action:        model.ActionNew,
		NewSatpoint:   &model.Satpoint{Outpoint: opY},
		Inscription:   newInscription(t, `{"p":"bit-20","op":"mint","tick":"TEST","amt":"150"}`),
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := Apply(tx, []model.InscriptionOp{mintOp}, BlockContext{Height: 2}, resolver)
		return err
	}); err != nil {
		t.Fatalf("Apply(mint) error = %v", err)
	}

	db.View(func(tx *bbolt.Tx) error {
		tbl := Open(tx)
		tok, err := decodeToken(tbl.token.Get([]byte("test")))
		if err != nil {
			t.Fatalf("decode token: %v", err)
		}
		if tok.Minted != 100 {
			t.Errorf("minted = %d, want 100", tok.Minted)
		}
		bal, err := decodeBalance(tbl.balance.Get(balanceKey("test", scriptY)))
		if err != nil {
			t.Fatalf("decode balance: %v", err)
		}
		if bal.Available != 100 {
			t.Errorf("Y.available = %d, want 100", bal.Available)
		}
		return nil
	})

	// Second mint brings minted to max (clipped to remainder).
	mintOp2 := mintOp
	mintOp2.InscriptionId = model.InscriptionId{Txid: txid(3), Index: 0}
	mintOp2.Inscription = newInscription(t, `{"p":"bit-20","op":"mint","tick":"TEST","amt":"950"}`)
	if err := db.Update(func(tx *bbolt.Tx) error {
		res, err := Apply(tx, []model.InscriptionOp{mintOp2}, BlockContext{Height: 3}, resolver)
		if res.Applied != 1 {
			t.Errorf("second mint Applied = %d, want 1", res.Applied)
		}
		return err
	}); err != nil {
		t.Fatalf("Apply(mint2) error = %v", err)
	}

	// Third mint of anything is now a no-op since minted == max_supply.
	mintOp3 := mintOp
	mintOp3.InscriptionId = model.InscriptionId{Txid: txid(4), Index: 0}
	mintOp3.Inscription = newInscription(t, `{"p":"bit-20","op":"mint","tick":"TEST","amt":"1"}`)
	db.Update(func(tx *bbolt.Tx) error {
		res, err := Apply(tx, []model.InscriptionOp{mintOp3}, BlockContext{Height: 4}, resolver)
		if res.Applied != 0 {
			t.Errorf("third mint Applied = %d, want 0", res.Applied)
		}
		return err
	})

	db.View(func(tx *bbolt.Tx) error {
		tbl := Open(tx)
		tok, _ := decodeToken(tbl.token.Get([]byte("test")))
		if tok.Minted != 1000 {
			t.Errorf("final minted = %d, want 1000", tok.Minted)
		}
		bal, _ := decodeBalance(tbl.balance.Get(balanceKey("test", scriptY)))
		if bal.Available != 1000 {
			t.Errorf("Y.available = %d, want 1000", bal.Available)
		}
		return nil
	})
}

func TestInscribeTransferThenSend(t *testing.T) {
	db := openTestDB(t)

	scriptY := []byte("addr-y")
	scriptZ := []byte("addr-z")
	opMintOut := model.Outpoint{Hash: txid(10), Vout: 0}
	opInscribeOut := model.Outpoint{Hash: txid(11), Vout: 0}
	opSendOut := model.Outpoint{Hash: txid(12), Vout: 0}
	resolver := fakeResolver{opMintOut: scriptY, opInscribeOut: scriptY, opSendOut: scriptZ}

	// seed Y with 1000 available + deploy, as if prior blocks had run.
	db.Update(func(tx *bbolt.Tx) error {
		tbl := Open(tx)
		tok := Token{Tick: "test", MaxSupply: 1000, PerMintLimit: 1000, Minted: 1000}
		buf, _ := encodeJSON(tok)
		tbl.token.Put([]byte("test"), buf)
		return tbl.putBalance("test", scriptY, Balance{Available: 1000})
	})

	transferID := model.InscriptionId{Txid: txid(11), Index: 0}
	inscribeOp := model.InscriptionOp{
		Txid:          txid(11),
		InscriptionId: transferID,
		Action:        model.ActionNew,
		NewSatpoint:   &model.Satpoint{Outpoint: opInscribeOut},
		Inscription:   newInscription(t, `{"p":"bit-20","op":"transfer","tick":"TEST","amt":"30"}`),
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := Apply(tx, []model.InscriptionOp{inscribeOp}, BlockContext{Height: 5}, resolver)
		return err
	}); err != nil {
		t.Fatalf("Apply(inscribe transfer) error = %v", err)
	}

	db.View(func(tx *bbolt.Tx) error {
		tbl := Open(tx)
		bal, _ := decodeBalance(tbl.balance.Get(balanceKey("test", scriptY)))
		if bal.Available != 970 || bal.Transferable != 30 {
			t.Errorf("Y balance = %+v, want {970 30}", bal)
		}
		return nil
	})

	sendOp := model.InscriptionOp{
		Txid:          txid(12),
		InscriptionId: transferID,
		Action:        model.ActionTransfer,
		OldSatpoint:   &model.Satpoint{Outpoint: opInscribeOut},
		NewSatpoint:   &model.Satpoint{Outpoint: opSendOut},
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := Apply(tx, []model.InscriptionOp{sendOp}, BlockContext{Height: 6}, resolver)
		return err
	}); err != nil {
		t.Fatalf("Apply(send) error = %v", err)
	}

	db.View(func(tx *bbolt.Tx) error {
		tbl := Open(tx)
		balY, _ := decodeBalance(tbl.balance.Get(balanceKey("test", scriptY)))
		balZ, _ := decodeBalance(tbl.balance.Get(balanceKey("test", scriptZ)))
		if balY.Available != 970 || balY.Transferable != 0 {
			t.Errorf("Y balance = %+v, want {970 0}", balY)
		}
		if balZ.Available != 30 || balZ.Transferable != 0 {
			t.Errorf("Z balance = %+v, want {30 0}", balZ)
		}
		if tbl.inscribeTransfer.Get(transferID.Bytes()) != nil {
			t.Errorf("inscribe-transfer record for %s still present", transferID)
		}
		return nil
	})

	// A second transfer of the same inscription is a no-op: the record is
	// already consumed.
	if err := db.Update(func(tx *bbolt.Tx) error {
		res, err := Apply(tx, []model.InscriptionOp{sendOp}, BlockContext{Height: 7}, resolver)
		if res.Applied != 0 {
			t.Errorf("replay Applied = %d, want 0", res.Applied)
		}
		return err
	}); err != nil {
		t.Fatalf("Apply(replay) error = %v", err)
	}
}

func TestParseActionRejectsShortBody(t *testing.T) {
	insc := newInscription(t, `{"p":"bit-20","op":"mint"}`)
	act, err := parseAction(insc)
	if err != nil {
		t.Fatalf("parseAction() error = %v", err)
	}
	if act != nil {
		t.Errorf("act = %+v, want nil for short body", act)
	}
}

func TestParseActionRejectsTrailingData(t *testing.T) {
	body := `{"p":"bit-20","op":"mint","tick":"test","amt":"10"}extra-trailing-bytes-here`
	insc := newInscription(t, body)
	act, err := parseAction(insc)
	if err != nil {
		t.Fatalf("parseAction() error = %v", err)
	}
	if act != nil {
		t.Errorf("act = %+v, want nil for trailing content", act)
	}
}

func TestNormalizeLimVsLimit(t *testing.T) {
	body := `{"p":"bit-20","op":"deploy","tick":"test","max":"1000","limit":"50"}`
	insc := newInscription(t, body)
	act, err := parseAction(insc)
	if err != nil {
		t.Fatalf("parseAction() error = %v", err)
	}
	if act == nil {
		t.Fatalf("act = nil, want deploy action")
	}
	if act.lim != 50 {
		t.Errorf("lim = %d, want 50 (normalized from legacy 'limit' key)", act.lim)
	}
}
