package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
)

// Loop periodically drives the Reconciliation Engine's retention step
// on its own interval, separate from the engine's hourly full cycle.
type Loop struct {
	re       *reconciler.Reconciler
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

func New(re *reconciler.Reconciler, interval time.Duration, logger zerolog.Logger) *Loop {
	return &Loop{re: re, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tick()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) tick() {
	ctx := context.Background()

	if n, err := l.re.Retain(ctx); err != nil {
		l.logger.Error().Err(err).Msg("maintenance: exec retention failed")
	} else if n > 0 {
		l.logger.Info().Int64("deleted", n).Msg("maintenance: exec retention swept rows")
	}

	if n, err := l.cleanupAbandonedAttachments(ctx); err != nil {
		l.logger.Error().Err(err).Msg("maintenance: attachment cleanup failed")
	} else if n > 0 {
		l.logger.Info().Int("detached", n).Msg("maintenance: abandoned attachments cleaned up")
	}
}

// cleanupAbandonedAttachments is an intentional stub: the system this
// was derived from never defined a policy for what "abandoned" means
// for an Attachment (no heartbeat, no liveness signal exists on the
// client side), so this always reports zero rather than inventing one.
func (l *Loop) cleanupAbandonedAttachments(ctx context.Context) (int, error) {
	return 0, nil
}
