package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
)

// Repairer repairs one feature. Implementations need not be safe for
// concurrent use; each is handed to one goroutine at a time.
type Repairer interface {
	Repair(f *geojson.Feature) (*geojson.Feature, repair.Outcome)
}

// ChunkScheduler picks the size of the next chunk
type ChunkScheduler interface {
	Next(ctx context.Context) (int, error)
}

// fixedSize always returns the same chunk size
type fixedSize int

func (n fixedSize) Next(ctx context.Context) (int, error) {
	return int(n), ctx.Err()
}

// chunkResult is a repaired chunk. The input chunk is left untouched.
type chunkResult struct {
	index    int
	size     int
	features []*geojson.Feature
	outcomes []repair.Outcome
	err      error
}

// enginePool hands out repairers so no two goroutines share one
type enginePool struct {
	idle      chan Repairer
	newEngine func() Repairer
}

func newEnginePool(size int, newEngine func() Repairer) *enginePool {
	return &enginePool{
		idle:      make(chan Repairer, size),
		newEngine: newEngine,
	}
}

func (p *enginePool) get() Repairer {
	select {
	case e := <-p.idle:
		return e
	default:
		return p.newEngine()
	}
}

func (p *enginePool) put(e Repairer) {
	select {
	case p.idle <- e:
	default:
	}
}

// repairChunk repairs every feature of c with one engine
func (p *enginePool) repairChunk(c *chunk.Chunk) (res chunkResult) {
	res = chunkResult{index: c.Index, size: c.Len()}

	e := p.get()
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("chunk %d: panic: %v", c.Index, r)
			return
		}
		p.put(e)
	}()

	res.features = make([]*geojson.Feature, len(c.Features))
	res.outcomes = make([]repair.Outcome, len(c.Features))
	for i, f := range c.Features {
		out, o := e.Repair(f)
		if o.FeatureID == "" {
			o.FeatureID = fmt.Sprintf("feature_%d", c.Offset+i)
		}
		res.features[i] = out
		res.outcomes[i] = o
	}
	return res
}

// repairChunks pulls chunks from src, repairs them on up to workers
// goroutines and passes results to sink strictly in chunk order. At most
// 2*workers chunks are held between reading and sinking. Reading stops at
// the first sink or chunk error; chunks already dispatched still finish.
func repairChunks(ctx context.Context, src chunk.Source, sched ChunkScheduler, pool *enginePool, workers int, sink func(chunkResult) error) error {
	if workers <= 1 {
		return repairSequential(ctx, src, sched, pool, sink)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inflight := make(chan struct{}, 2*workers)
	results := make(chan chunkResult, 2*workers)
	sinkErr := make(chan error, 1)

	// Reorder buffer: hold completed chunks until their predecessors are sunk
	go func() {
		pending := make(map[int]chunkResult)
		next := 0
		var err error
		for r := range results {
			pending[r.index] = r
			for {
				cr, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err == nil {
					if cr.err != nil {
						err = cr.err
					} else {
						err = sink(cr)
					}
					if err != nil {
						cancel()
					}
				}
				next++
				<-inflight
			}
		}
		sinkErr <- err
	}()

	g := new(errgroup.Group)
	g.SetLimit(workers)

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		n, err := sched.Next(ctx)
		if err != nil {
			readErr = err
			break
		}
		c, err := src.Next(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}

		g.Go(func() error {
			results <- pool.repairChunk(c)
			return nil
		})
	}

	g.Wait()
	close(results)
	err := <-sinkErr

	// A sink failure cancels ctx; report the cause, not the cancellation
	if err != nil {
		return err
	}
	return readErr
}

func repairSequential(ctx context.Context, src chunk.Source, sched ChunkScheduler, pool *enginePool, sink func(chunkResult) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := sched.Next(ctx)
		if err != nil {
			return err
		}
		c, err := src.Next(n)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r := pool.repairChunk(c)
		if r.err != nil {
			return r.err
		}
		if err := sink(r); err != nil {
			return err
		}
	}
}
