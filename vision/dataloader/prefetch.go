package dataloader

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchIterator delivers batches over a channel while a producer goroutine
// reads ahead. Batches arrive in exactly the order NextBatch would produce
// them; the bounded channel only hides decode I/O latency behind consumption.
type BatchIterator struct {
	ch chan *Batch
	g  *errgroup.Group
}

// Iterate starts a single producer goroutine over the remainder of the current
// pass. The caller must drain Batches and then check Err. Cancelling the
// context stops the producer.
func (dl *DataLoader) Iterate(ctx context.Context) *BatchIterator {
	it := &BatchIterator{
		ch: make(chan *Batch, dl.prefetch),
	}

	g, ctx := errgroup.WithContext(ctx)
	it.g = g

	g.Go(func() error {
		defer close(it.ch)

		for {
			batch, err := dl.NextBatch()
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}

			select {
			case it.ch <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return it
}

// Batches returns the delivery channel. It is closed when the pass completes
// or the producer fails; check Err afterwards.
func (it *BatchIterator) Batches() <-chan *Batch {
	return it.ch
}

// Err blocks until the producer finishes and returns its error, if any.
func (it *BatchIterator) Err() error {
	return it.g.Wait()
}
