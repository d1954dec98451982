package index

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/internal/rpcclient"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// BlockSource is a lazy bounded sequence of blocks fetched by height. It runs
// its own worker goroutine and pushes onto a fixed-capacity channel, giving
// the driver backpressure for free: the producer blocks once the queue
// fills rather than racing ahead of the indexer.
type BlockSource struct {
	client  rpcclient.Client
	ch      chan blockOrErr
	log     *logging.Logger
	maxWait time.Duration
}

const blockQueueCapacity = 32

type blockOrErr struct {
	block *model.BlockData
	err   error
}

// NewBlockSource starts the producer goroutine, fetching blocks
// [startHeight, ceiling] in order. ceiling == nil means "follow the remote
// tip"; firstTxHeight gates whether full transaction data is requested
// (below it, the full block is still fetched but its transactions are
// dropped and only the header is kept — see §4.1).
func NewBlockSource(ctx context.Context, client rpcclient.Client, startHeight uint32, ceiling *uint32, firstTxHeight uint32) *BlockSource {
	s := &BlockSource{
		client:  client,
		ch:      make(chan blockOrErr, blockQueueCapacity),
		log:     logging.GetDefault().Component("blocksource"),
		maxWait: rpcclient.DefaultMaxBackoff,
	}
	go s.run(ctx, startHeight, ceiling, firstTxHeight)
	return s
}

// Next blocks until the following block is available, the source is
// exhausted (ok == false, err == nil), or ctx is cancelled.
func (s *BlockSource) Next(ctx context.Context) (*model.BlockData, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case item, open := <-s.ch:
		if !open {
			return nil, false, nil
		}
		if item.err != nil {
			return nil, false, item.err
		}
		return item.block, true, nil
	}
}

func (s *BlockSource) run(ctx context.Context, height uint32, ceiling *uint32, firstTxHeight uint32) {
	defer close(s.ch)

	for {
		if ceiling != nil && height > *ceiling {
			return
		}
		if err := ctx.Err(); err != nil {
			return
		}

		block, found, err := s.fetch(ctx, height, firstTxHeight)
		if err != nil {
			s.trySend(ctx, blockOrErr{err: err})
			return
		}
		if !found {
			return // reached the remote tip
		}

		if !s.trySend(ctx, blockOrErr{block: block}) {
			return
		}
		height++
	}
}

func (s *BlockSource) trySend(ctx context.Context, item blockOrErr) bool {
	select {
	case s.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// fetch resolves one block, retrying transient RPC errors with the
// exponential backoff policy and surfacing anything past the cap as fatal.
// found == false, err == nil means height is past the remote tip.
func (s *BlockSource) fetch(ctx context.Context, height uint32, firstTxHeight uint32) (*model.BlockData, bool, error) {
	var hash *chainhash.Hash
	err := rpcclient.WithRetry(ctx, s.maxWait, func() error {
		h, err := s.client.GetBlockHash(ctx, int64(height))
		if err != nil {
			return err
		}
		hash = h
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("block source: height %d: %w", height, err)
	}
	if hash == nil {
		return nil, false, nil
	}

	hasTxData := height >= firstTxHeight
	var msgBlock *wire.MsgBlock
	err = rpcclient.WithRetry(ctx, s.maxWait, func() error {
		b, err := s.client.GetBlock(ctx, hash)
		if err != nil {
			return err
		}
		msgBlock = b
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("block source: height %d: %w", height, err)
	}

	return toBlockData(height, *hash, msgBlock, hasTxData), true, nil
}

// toBlockData precomputes each transaction's txid once, up front, so the
// rest of the pipeline never rehashes it.
func toBlockData(height uint32, hash chainhash.Hash, msgBlock *wire.MsgBlock, hasTxData bool) *model.BlockData {
	data := &model.BlockData{
		Height:    height,
		Header:    msgBlock.Header,
		Hash:      hash,
		HasTxData: hasTxData,
	}
	if !hasTxData {
		return data
	}
	data.Txs = make([]model.TxWithId, len(msgBlock.Transactions))
	for i, tx := range msgBlock.Transactions {
		data.Txs[i] = model.TxWithId{Tx: tx, Txid: tx.TxHash()}
	}
	return data
}
