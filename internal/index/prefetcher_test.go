package index

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/model"
)

// fakeRPCClient serves GetRawTransaction from an in-memory map and fails
// everything else, which is all the prefetcher needs to exercise.
type fakeRPCClient struct {
	mu  sync.Mutex
	txs map[chainhash.Hash]*wire.MsgTx
}

func newFakeRPCClient() *fakeRPCClient {
	return &fakeRPCClient{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

func (f *fakeRPCClient) addTx(hash chainhash.Hash, values ...int64) {
	tx := wire.NewMsgTx(2)
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, nil))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[hash] = tx
}

func (f *fakeRPCClient) GetBlockCount(ctx context.Context) (int64, error) { return 0, fmt.Errorf("unused") }
func (f *fakeRPCClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeRPCClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeRPCClient) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeRPCClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[*txid]
	if !ok {
		return nil, fmt.Errorf("no such tx %s", txid)
	}
	return tx, nil
}

func TestPrefetcherOrdersRepliesBySubmission(t *testing.T) {
	client := newFakeRPCClient()

	const n = 500
	ops := make([]model.Outpoint, n)
	want := make([]uint64, n)
	for i := 0; i < n; i++ {
		var h chainhash.Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		client.addTx(h, int64(i*1000), int64(i*1000+1))
		vout := uint32(i % 2)
		ops[i] = model.Outpoint{Hash: h, Vout: vout}
		want[i] = uint64(i*1000) + uint64(vout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPrefetcher(ctx, client, 8)

	go func() {
		for _, op := range ops {
			if err := p.Submit(ctx, op); err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
		}
		p.CloseSubmit()
	}()

	for i := 0; i < n; i++ {
		got, err := p.RecvValue(ctx)
		if err != nil {
			t.Fatalf("RecvValue(%d) error = %v", i, err)
		}
		if got != want[i] {
			t.Errorf("RecvValue(%d) = %d, want %d", i, got, want[i])
		}
	}
}

func TestPrefetcherBatchFailureIsFatalForWholeBatch(t *testing.T) {
	client := newFakeRPCClient()
	var hOK, hMissing chainhash.Hash
	hOK[0] = 1
	hMissing[0] = 2
	client.addTx(hOK, 100)
	// hMissing deliberately not added: GetRawTransaction will fail for it.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPrefetcher(ctx, client, 2, time.Millisecond)

	go func() {
		p.Submit(ctx, model.Outpoint{Hash: hOK, Vout: 0})
		p.Submit(ctx, model.Outpoint{Hash: hMissing, Vout: 0})
		p.CloseSubmit()
	}()

	sawErr := false
	for i := 0; i < 2; i++ {
		_, err := p.RecvValue(ctx)
		if err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Errorf("expected at least one error reply when a batch member fails to resolve")
	}
}
