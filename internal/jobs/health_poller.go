// Package jobs contains the orchestrator's background services: the
// container health poller and the audit retention purger. Each job runs on a
// ticker and stops via its stop channel on shutdown.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agricore/module-orchestrator/internal/safego"
)

// HealthChecker is the slice of the manager the poller needs.
type HealthChecker interface {
	PollHealth(ctx context.Context)
}

// HealthPoller periodically reconciles module state with the container
// runtime.
type HealthPoller struct {
	checker  HealthChecker
	interval time.Duration
	stopChan chan struct{}
}

// NewHealthPoller creates a health poller.
func NewHealthPoller(checker HealthChecker, interval time.Duration) *HealthPoller {
	return &HealthPoller{
		checker:  checker,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins polling in the background. The first sweep runs immediately.
func (p *HealthPoller) Start() {
	slog.Info("starting module health poller", "interval", p.interval)
	safego.Go("health-poller", p.run)
}

// Stop signals the poller to exit.
func (p *HealthPoller) Stop() {
	close(p.stopChan)
}

func (p *HealthPoller) run() {
	p.sweep()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopChan:
			slog.Info("module health poller stopped")
			return
		}
	}
}

func (p *HealthPoller) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	p.checker.PollHealth(ctx)
}
