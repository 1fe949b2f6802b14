package main

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/ledger/simulated"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
)

// blockProducer advances the simulated ledger on a fixed interval so
// submitted transactions confirm and leases finalize.
type blockProducer struct {
	ledger   *simulated.Ledger
	interval time.Duration
	logger   log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newBlockProducer(l *simulated.Ledger, interval time.Duration, logger log.Logger) *blockProducer {
	return &blockProducer{
		ledger:   l,
		interval: interval,
		logger:   log.OrNop(logger).With(log.Component("block_producer")),
		done:     make(chan struct{}),
	}
}

// Start launches the producer. It is a no-op without a ledger or interval.
func (b *blockProducer) Start() {
	if b.ledger == nil || b.interval <= 0 {
		close(b.done)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	runtime.SafeGoWithContextAndComponent(ctx, b.logger, "block_producer", "advance", runtime.KeepRunning,
		func(ctx context.Context) {
			defer close(b.done)

			ticker := time.NewTicker(b.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					height := b.ledger.Advance(ctx, 1)
					b.logger.Log(ctx, log.LevelDebug, "ledger advanced", log.Uint64("height", height))
				}
			}
		})
}

// Shutdown stops the producer and waits for it to exit.
func (b *blockProducer) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
