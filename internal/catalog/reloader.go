package catalog

import (
	"context"
	"time"

	"keybroker/internal/utils"
)

// ReloadFunc refreshes the catalog and whatever depends on it
type ReloadFunc func(ctx context.Context) error

// Reloader calls a ReloadFunc on a fixed interval
type Reloader struct {
	reload      ReloadFunc
	interval    time.Duration
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewReloader creates a reloader
func NewReloader(reload ReloadFunc, interval time.Duration) *Reloader {
	return &Reloader{
		reload:      reload,
		interval:    interval,
		logger:      utils.NewLogger("catalog-reloader"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the reload loop
func (r *Reloader) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the reload loop and waits for it to exit
func (r *Reloader) Stop() {
	close(r.stopChan)
	<-r.stoppedChan
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.stoppedChan)

	if r.interval <= 0 {
		r.logger.Info("Catalog reload disabled")
		select {
		case <-r.stopChan:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				r.logger.Error("Catalog reload failed", "error", err)
			}
		}
	}
}
