package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/config"
	"github.com/klingon-exchange/ord-index/internal/model"
)

// fakeChainClient serves a fixed, appendable list of blocks by height, the
// way a node would once each block is actually mined. GetRawTransaction
// fails for anything the driver should already know same-block or from
// cache: the tests are written so the prefetcher never needs to be hit.
type fakeChainClient struct {
	blocks []*wire.MsgBlock
	hashes []chainhash.Hash
}

func (f *fakeChainClient) GetBlockCount(ctx context.Context) (int64, error) {
	return int64(len(f.blocks) - 1), nil
}

func (f *fakeChainClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	if height < 0 || int(height) >= len(f.blocks) {
		return nil, nil
	}
	h := f.hashes[height]
	return &h, nil
}

func (f *fakeChainClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for i, h := range f.hashes {
		if h == *hash {
			return f.blocks[i], nil
		}
	}
	return nil, fmt.Errorf("fakeChainClient: no such block %s", hash)
}

func (f *fakeChainClient) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	b, err := f.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &b.Header, nil
}

func (f *fakeChainClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return nil, fmt.Errorf("fakeChainClient: unexpected prefetch for %s", txid)
}

// append adds a block to the chain, threading PrevBlock from the current
// tip the way the real chain does. The header's hash is the real
// double-SHA256 over its fields, varied per call by nonce, so replacing a
// block with different content at the same height yields a different hash
// the way an actual reorg would.
func (f *fakeChainClient) append(nonce uint32, txs ...*wire.MsgTx) chainhash.Hash {
	block := wire.NewMsgBlock(&wire.BlockHeader{Nonce: nonce})
	if len(f.hashes) > 0 {
		block.Header.PrevBlock = f.hashes[len(f.hashes)-1]
	}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	hash := block.Header.BlockHash()
	f.blocks = append(f.blocks, block)
	f.hashes = append(f.hashes, hash)
	return hash
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RPCURL = "http://unused"
	cfg.FirstInscriptionHeight = 0
	cfg.IndexBit20 = true
	cfg.ParallelRequests = 2
	limit := uint32(0)
	cfg.HeightLimit = &limit
	return cfg
}

func TestDriverIndexesGenesisInscription(t *testing.T) {
	client := &fakeChainClient{}
	script := buildInscriptionScript(t, []byte("text/plain"), []byte("hello"))
	cb := coinbaseWithEnvelope(t, int64(subsidy(0)), script)
	client.append(1, cb)

	cfg := testConfig(t)
	store, err := OpenStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	d := NewDriver(cfg, store, client)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	height, err := store.Height()
	if err != nil {
		t.Fatalf("Height() error = %v", err)
	}
	if height != 0 {
		t.Errorf("Height() = %d, want 0", height)
	}

	if err := store.View(func(tr *Tables) error {
		id, ok, err := tr.InscriptionIdAtNumber(0)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected inscription 0 to be indexed")
		}
		entry, ok, err := tr.InscriptionEntry(id)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected an entry for inscription 0")
		}
		if entry.Sat == nil || *entry.Sat != startingSat(0) {
			t.Errorf("entry.Sat = %v, want %d", entry.Sat, startingSat(0))
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestDriverFollowsInscriptionAcrossBlocks(t *testing.T) {
	client := &fakeChainClient{}
	script := buildInscriptionScript(t, []byte("text/plain"), []byte("hi"))
	cb := coinbaseWithEnvelope(t, int64(subsidy(0)), script)
	cbHash := client.append(1, cb)

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: cbHash, Index: 0}})
	spend.AddTxOut(wire.NewTxOut(int64(subsidy(0)), nil))
	cb2 := coinbaseTx(subsidy(1))
	client.append(2, cb2, spend)

	cfg := testConfig(t)
	limit := uint32(1)
	cfg.HeightLimit = &limit
	store, err := OpenStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	d := NewDriver(cfg, store, client)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	height, err := store.Height()
	if err != nil {
		t.Fatalf("Height() error = %v", err)
	}
	if height != 1 {
		t.Fatalf("Height() = %d, want 1", height)
	}

	if err := store.View(func(tr *Tables) error {
		id, ok, err := tr.InscriptionIdAtNumber(0)
		if err != nil || !ok {
			t.Fatalf("InscriptionIdAtNumber(0): ok=%v err=%v", ok, err)
		}
		loc, ok, err := tr.InscriptionLocation(id)
		if err != nil || !ok {
			t.Fatalf("InscriptionLocation: ok=%v err=%v", ok, err)
		}
		wantOp := model.Outpoint{Hash: spend.TxHash(), Vout: 0}
		if loc.Outpoint != wantOp || loc.Offset != 0 {
			t.Errorf("InscriptionLocation = %+v, want outpoint %v offset 0", loc, wantOp)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestDriverRecoversFromReorg indexes two blocks, takes a savepoint right
// after the first, then hands the driver a competing chain whose block 2
// descends from a different block 1. The driver must detect the mismatch
// when it reaches block 2, roll back to the height-0 savepoint, and
// re-index both remaining blocks from the new chain.
func TestDriverRecoversFromReorg(t *testing.T) {
	cfg := testConfig(t)
	store, err := OpenStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	original := &fakeChainClient{}
	original.append(1, coinbaseTx(subsidy(0)))
	original.append(2, coinbaseTx(subsidy(1)))

	limit := uint32(0)
	cfg.HeightLimit = &limit
	d := NewDriver(cfg, store, original)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() (block 0) error = %v", err)
	}
	if err := d.reorg.Refresh(0); err != nil {
		t.Fatalf("Refresh(0) error = %v", err)
	}

	limit = 1
	cfg.HeightLimit = &limit
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() (block 1, original chain) error = %v", err)
	}

	// Build the competing chain: same genesis, a different block 1, and a
	// block 2 descending from that different block 1.
	forked := &fakeChainClient{}
	forked.append(1, coinbaseTx(subsidy(0)))
	forked.append(3, coinbaseTx(subsidy(1)+1))
	forked.append(4, coinbaseTx(subsidy(2)))

	limit = 2
	cfg.HeightLimit = &limit
	d2 := NewDriver(cfg, store, forked)
	if err := d2.Run(context.Background()); err != nil {
		t.Fatalf("Run() (reorg recovery) error = %v", err)
	}

	height, err := store.Height()
	if err != nil {
		t.Fatalf("Height() error = %v", err)
	}
	if height != 2 {
		t.Fatalf("Height() = %d, want 2 after reorg recovery", height)
	}

	for h := uint32(0); h <= 2; h++ {
		got, err := store.BlockHash(h)
		if err != nil {
			t.Fatalf("BlockHash(%d) error = %v", h, err)
		}
		if got == nil || *got != forked.hashes[h] {
			t.Errorf("BlockHash(%d) = %v, want %v", h, got, forked.hashes[h])
		}
	}
}
