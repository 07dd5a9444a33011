package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agricore/module-orchestrator/internal/safego"
)

// ExpiredDeleter is the slice of the audit repository the purger needs.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuditRetention deletes audit entries past their retention window.
type AuditRetention struct {
	store    ExpiredDeleter
	interval time.Duration
	stopChan chan struct{}
}

// NewAuditRetention creates an audit retention job.
func NewAuditRetention(store ExpiredDeleter, interval time.Duration) *AuditRetention {
	return &AuditRetention{
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins purging in the background. The first purge runs immediately.
func (j *AuditRetention) Start() {
	slog.Info("starting audit retention job", "interval", j.interval)
	safego.Go("audit-retention", j.run)
}

// Stop signals the job to exit.
func (j *AuditRetention) Stop() {
	close(j.stopChan)
}

func (j *AuditRetention) run() {
	j.purge()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.purge()
		case <-j.stopChan:
			slog.Info("audit retention job stopped")
			return
		}
	}
}

func (j *AuditRetention) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.store.DeleteExpired(ctx)
	if err != nil {
		slog.Error("audit retention purge failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("purged expired audit entries", "deleted", deleted)
	}
}
