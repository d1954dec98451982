package index

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/ord-index/internal/model"
	"github.com/klingon-exchange/ord-index/internal/rpcclient"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// prefetchQueueCapacity and batchSize are the §5 concurrency constants: the
// submit/reply channels hold up to 20,000 outstanding outpoints, drained in
// batches of 20,480 to bound how many requests are in flight against the
// node's own RPC work queue at once.
const (
	prefetchQueueCapacity = 20_000
	prefetchBatchSize     = 20_480
)

// Prefetcher resolves the coin value of previous outputs in parallel,
// ahead of the sequential sat-range/inscription passes that need them. Order
// is the entire contract here: the Nth reply always corresponds to the Nth
// submission, so downstream consumers can read by position instead of by
// outpoint (§4.2).
type Prefetcher struct {
	client   rpcclient.Client
	parallel int
	maxWait  time.Duration

	submit chan model.Outpoint
	reply  chan valueOrErr

	log *logging.Logger
}

type valueOrErr struct {
	value uint64
	err   error
}

// NewPrefetcher starts the batching worker. parallel bounds how many
// get_transaction calls are in flight at once per batch.
func NewPrefetcher(ctx context.Context, client rpcclient.Client, parallel int) *Prefetcher {
	return newPrefetcher(ctx, client, parallel, rpcclient.DefaultMaxBackoff)
}

func newPrefetcher(ctx context.Context, client rpcclient.Client, parallel int, maxWait time.Duration) *Prefetcher {
	if parallel < 1 {
		parallel = 1
	}
	p := &Prefetcher{
		client:   client,
		parallel: parallel,
		submit:   make(chan model.Outpoint, prefetchQueueCapacity),
		reply:    make(chan valueOrErr, prefetchQueueCapacity),
		log:      logging.GetDefault().Component("prefetcher"),
		maxWait:  maxWait,
	}
	go p.run(ctx)
	return p
}

// Submit enqueues an outpoint for value resolution. Blocks once the submit
// channel is full, per §5's documented backpressure behavior.
func (p *Prefetcher) Submit(ctx context.Context, op model.Outpoint) error {
	select {
	case p.submit <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSubmit signals that no more outpoints will be submitted. The worker
// never waits for BATCH_SIZE to fill (it flushes whatever is queued); on
// close it flushes what remains and then closes the reply channel.
func (p *Prefetcher) CloseSubmit() {
	close(p.submit)
}

// PendingReplies reports how many resolved values are sitting in the reply
// channel unread. The driver asserts this is zero before starting a new
// block (§4.7): the previous block must have consumed every value it asked
// for before moving on.
func (p *Prefetcher) PendingReplies() int {
	return len(p.reply)
}

// RecvValue returns the next resolved value in submission order.
func (p *Prefetcher) RecvValue(ctx context.Context) (uint64, error) {
	select {
	case item, open := <-p.reply:
		if !open {
			return 0, fmt.Errorf("prefetcher: reply channel closed with no pending value")
		}
		return item.value, item.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Prefetcher) run(ctx context.Context) {
	defer close(p.reply)

	batch := make([]model.Outpoint, 0, prefetchBatchSize)
	for {
		op, open := <-p.submit
		if !open {
			p.flush(ctx, batch)
			return
		}
		batch = append(batch, op)

		// Drain whatever else is already queued up to BATCH_SIZE before
		// issuing the round of RPCs, so a burst of submissions becomes one
		// batch instead of many tiny ones.
	drain:
		for len(batch) < prefetchBatchSize {
			select {
			case op, open := <-p.submit:
				if !open {
					p.flush(ctx, batch)
					return
				}
				batch = append(batch, op)
			default:
				break drain
			}
		}

		p.flush(ctx, batch)
		batch = batch[:0]
	}
}

// flush resolves one batch of outpoints, partitioned across p.parallel
// concurrent RPC fan-out workers via errgroup, and emits values on p.reply
// in the original submission order. A failure in any partition is fatal for
// the whole batch (§4.2: "partial failure of any chunk aborts the batch").
func (p *Prefetcher) flush(ctx context.Context, batch []model.Outpoint) {
	if len(batch) == 0 {
		return
	}

	values := make([]uint64, len(batch))
	errs := make([]error, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for i, op := range batch {
		i, op := i, op
		g.Go(func() error {
			var value uint64
			err := rpcclient.WithRetry(gctx, p.maxWait, func() error {
				hash := op.Hash
				tx, err := p.client.GetRawTransaction(gctx, &hash)
				if err != nil {
					return err
				}
				if int(op.Vout) >= len(tx.TxOut) {
					return fmt.Errorf("vout %d out of range for %s", op.Vout, op.Hash)
				}
				value = uint64(tx.TxOut[op.Vout].Value)
				return nil
			})
			if err != nil {
				errs[i] = fmt.Errorf("prefetch %s: %w", op, err)
				return nil // batch outcome is per-item; see reply loop below
			}
			values[i] = value
			return nil
		})
	}
	_ = g.Wait()

	// Partial failure of any chunk aborts the whole batch as fatal (§4.2):
	// once one outpoint fails to resolve, every reply in this batch carries
	// that same error so the driver, reading sequentially, fails at the
	// first position it reaches rather than silently consuming a mix of
	// real and zero values.
	var batchErr error
	for i := range batch {
		if errs[i] != nil {
			batchErr = errs[i]
			break
		}
	}

	for i := range batch {
		if batchErr != nil {
			p.reply <- valueOrErr{err: batchErr}
			continue
		}
		p.reply <- valueOrErr{value: values[i]}
	}
}
