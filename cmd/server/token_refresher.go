package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionRefresher interface {
	RefreshExpiring(ctx context.Context) int
}

type refreshTicker interface {
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

type tickerFactory func(time.Duration) refreshTicker

// startTokenRefreshWorker periodically renews carrier sessions that entered
// their renew-ahead window so API calls rarely pay the refresh inline.
func startTokenRefreshWorker(ctx context.Context, logger *slog.Logger, sessions sessionRefresher, interval time.Duration) func() {
	return startTokenRefreshWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) refreshTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startTokenRefreshWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionRefresher,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
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
				if refreshed := sessions.RefreshExpiring(workerCtx); refreshed > 0 && logger != nil {
					logger.Info("renewed expiring sessions", "count", refreshed)
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
