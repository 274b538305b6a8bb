package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/accessvision/tilenet/tensor"
)

// Batch is one mini-batch: images stacked into [N, C, H, W] and the
// matching class labels.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Size returns the number of records in the batch. The final batch of an
// epoch may be short.
func (b *Batch) Size() int { return len(b.Labels) }

// OrderSeed derives the shuffle seed for one epoch from the run's base
// seed. Depending only on the epoch index, never on wall clock, is what
// makes a resumed run reproduce the same batch order an uninterrupted run
// would have used.
func OrderSeed(baseSeed int64, epoch int) int64 {
	return baseSeed*1_000_003 + int64(epoch)
}

// BatchLoader walks a dataset in mini-batches. With shuffle enabled the
// record order is a deterministic permutation drawn from the seed set by
// SetEpoch; without it the order is sequential, as validation, evaluation
// and export probes require.
type BatchLoader struct {
	ds        Dataset
	batchSize int
	shuffle   bool
	baseSeed  int64

	order []int
	pos   int
}

// NewBatchLoader creates a loader. batchSize must be positive.
func NewBatchLoader(ds Dataset, batchSize int, shuffle bool, baseSeed int64) (*BatchLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	l := &BatchLoader{ds: ds, batchSize: batchSize, shuffle: shuffle, baseSeed: baseSeed}
	l.SetEpoch(0)
	return l, nil
}

// SetEpoch resets the loader to the start of the given epoch, recomputing
// the record order for that epoch.
func (l *BatchLoader) SetEpoch(epoch int) {
	n := l.ds.Len()
	l.order = make([]int, n)
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(OrderSeed(l.baseSeed, epoch)))
		for i := n - 1; i > 0; i-- {
			j := rng.Intn(i + 1)
			l.order[i], l.order[j] = l.order[j], l.order[i]
		}
	}
	l.pos = 0
}

// Batches returns the number of batches per epoch, final short batch
// included.
func (l *BatchLoader) Batches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// HasNext reports whether the epoch has batches left.
func (l *BatchLoader) HasNext() bool {
	return l.pos < len(l.order)
}

// Next assembles the next mini-batch.
func (l *BatchLoader) Next() (*Batch, error) {
	if !l.HasNext() {
		return nil, fmt.Errorf("loader is exhausted; call SetEpoch to start a new epoch")
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	indices := l.order[l.pos:end]
	l.pos = end
	return l.assemble(indices)
}

func (l *BatchLoader) assemble(indices []int) (*Batch, error) {
	first, label, err := l.ds.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load record %d: %w", indices[0], err)
	}
	shape := append([]int{len(indices)}, first.Shape...)
	images, err := tensor.Zeros(shape...)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(indices))
	stride := first.Numel()
	copy(images.Data[:stride], first.Data)
	labels[0] = label

	for i := 1; i < len(indices); i++ {
		img, lb, err := l.ds.Get(indices[i])
		if err != nil {
			return nil, fmt.Errorf("failed to load record %d: %w", indices[i], err)
		}
		if img.Numel() != stride {
			return nil, fmt.Errorf("record %d has %d elements, expected %d", indices[i], img.Numel(), stride)
		}
		copy(images.Data[i*stride:(i+1)*stride], img.Data)
		labels[i] = lb
	}
	return &Batch{Images: images, Labels: labels}, nil
}

// PrefetchLoader decodes batches ahead of the training loop on a worker
// goroutine. Batch order is exactly the inner loader's order; prefetching
// only overlaps decode time with compute time.
type PrefetchLoader struct {
	inner *BatchLoader
	depth int

	ch   chan prefetchResult
	stop chan struct{}
	wg   sync.WaitGroup
}

type prefetchResult struct {
	batch *Batch
	err   error
}

// NewPrefetchLoader wraps a loader with a prefetch queue of the given
// depth. Depth 0 disables prefetching.
func NewPrefetchLoader(inner *BatchLoader, depth int) *PrefetchLoader {
	return &PrefetchLoader{inner: inner, depth: depth}
}

// Batches forwards to the inner loader.
func (p *PrefetchLoader) Batches() int { return p.inner.Batches() }

// StartEpoch resets the inner loader to the epoch and begins prefetching.
func (p *PrefetchLoader) StartEpoch(epoch int) {
	p.StopPrefetch()
	p.inner.SetEpoch(epoch)
	if p.depth <= 0 {
		return
	}
	p.ch = make(chan prefetchResult, p.depth)
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.ch)
		for p.inner.HasNext() {
			batch, err := p.inner.Next()
			select {
			case p.ch <- prefetchResult{batch: batch, err: err}:
				if err != nil {
					return
				}
			case <-p.stop:
				return
			}
		}
	}()
}

// Next returns the next batch, or nil at epoch end.
func (p *PrefetchLoader) Next() (*Batch, error) {
	if p.depth <= 0 {
		if !p.inner.HasNext() {
			return nil, nil
		}
		return p.inner.Next()
	}
	res, ok := <-p.ch
	if !ok {
		return nil, nil
	}
	return res.batch, res.err
}

// StopPrefetch halts the worker. Safe to call at any point; the trainer
// calls it on every exit path, cancellation included.
func (p *PrefetchLoader) StopPrefetch() {
	if p.stop != nil {
		close(p.stop)
		// drain so the worker's pending send can complete
		for range p.ch {
		}
		p.wg.Wait()
		p.stop = nil
		p.ch = nil
	}
}
