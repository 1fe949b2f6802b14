// Package errgroup runs the engine's background loops under one
// cancellation context.
//
// Each goroutine is named. The first failure, or a recovered panic, cancels
// the shared context and is returned by Wait prefixed with the loop name.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
)

// ErrPanicRecovered is returned when a loop panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages named goroutines that share a cancellation context.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a Group and the context its goroutines observe. The
// context is canceled by the first failure, by Stop, or when Wait returns.
func WithContext(ctx context.Context, logger log.Logger) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel, logger: log.OrNop(logger)}, ctx
}

func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Go starts fn as the goroutine called name.
func (grp *Group) Go(name string, fn func(ctx context.Context) error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.effectiveCtx(), grp.logger, recovered, "errgroup", name)
				grp.fail(fmt.Errorf("%s: %w: %v", name, ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(grp.effectiveCtx()); err != nil && !errors.Is(err, context.Canceled) {
			grp.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Stop cancels the group context without recording an error.
func (grp *Group) Stop() {
	if grp.cancel != nil {
		grp.cancel()
	}
}

// Wait blocks until every goroutine returned and reports the first failure.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
