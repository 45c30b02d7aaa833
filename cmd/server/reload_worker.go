package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type catalogReloader interface {
	Reload() error
}

type reloadTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reloadTicker

// startReloadWorker re-reads the manifest every interval and calls onReload
// after each successful pass. The returned function stops the worker and
// waits for it to exit.
func startReloadWorker(ctx context.Context, logger *slog.Logger, reloader catalogReloader, interval time.Duration, onReload func()) func() {
	return startReloadWorkerWithTicker(ctx, logger, reloader, interval, onReload, func(d time.Duration) reloadTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReloadWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reloader catalogReloader,
	interval time.Duration,
	onReload func(),
	newTicker tickerFactory,
) func() {
	if reloader == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := reloader.Reload(); err != nil {
					if logger != nil {
						logger.Error("failed to reload media manifest", "error", err)
					}
					continue
				}
				if onReload != nil {
					onReload()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
