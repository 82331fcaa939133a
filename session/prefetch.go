package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-divergence"
)

// prefetcher loads the inputs of upcoming clips while earlier clips are
// annotated. Loaders hand their trace over in clip order, so at most limit
// inputs are held ahead of the fold.
type prefetcher struct {
	results []chan divergence.Trace
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // valid once done is closed
}

func (r *Runner) prefetch(ctx context.Context, clips []Clip, limit int) *prefetcher {
	ctx, cancel := context.WithCancel(ctx)
	p := &prefetcher{
		results: make([]chan divergence.Trace, len(clips)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := range p.results {
		p.results[i] = make(chan divergence.Trace)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	go func() {
		defer close(p.done)
		for i, clip := range clips {
			if gctx.Err() != nil {
				break
			}
			// Blocks while limit loaders hold their trace; the fold releases them in
			// order.
			g.Go(func() error {
				t, err := r.loadTrace(gctx, clip.Input)
				if err != nil {
					return fmt.Errorf("load clip %q: %w", clip.Name, err)
				}
				select {
				case p.results[i] <- t:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		p.err = g.Wait()
	}()
	return p
}

// next returns the input of the i-th clip, waiting for it to load. It must be
// called in clip order.
func (p *prefetcher) next(i int) (divergence.Trace, error) {
	select {
	case t := <-p.results[i]:
		return t, nil
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return nil, context.Canceled
	}
}

// stop cancels outstanding loads and waits for the loaders to return.
func (p *prefetcher) stop() {
	p.cancel()
	<-p.done
}
