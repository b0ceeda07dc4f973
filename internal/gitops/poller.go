package gitops

import (
	"context"
	"time"

	"github.com/portkeep/portkeep/internal/logger"
)

// Poller handles periodic Git repository polling
type Poller struct {
	syncService  *SyncService
	pollInterval time.Duration
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewPoller creates a new Git repository poller
func NewPoller(syncService *SyncService, pollInterval time.Duration) *Poller {
	return &Poller{
		syncService:  syncService,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins the polling loop
func (p *Poller) Start(ctx context.Context) error {
	logger.Info().
		Dur("interval", p.pollInterval).
		Msg("Starting Git repository poller")

	// Perform initial sync
	if _, err := p.syncService.Sync(ctx, TriggerStartup); err != nil {
		logger.Error().Err(err).Msg("Initial Git sync failed")
		// Don't fail startup if initial sync fails
	}

	go p.pollLoop(ctx)

	return nil
}

// Stop stops the polling loop
func (p *Poller) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping Git repository poller")

	close(p.stopChan)

	select {
	case <-p.doneChan:
		logger.Info().Msg("Git repository poller stopped")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("Git repository poller stop timed out")
		return ctx.Err()
	}
}

// pollLoop is the main polling loop
func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := p.syncService.Sync(ctx, TriggerPoll); err != nil {
				logger.Error().Err(err).Msg("Git sync failed during polling")
			}
		}
	}
}

// TriggerSync manually triggers a sync operation
func (p *Poller) TriggerSync(ctx context.Context) (*SyncRecord, error) {
	logger.Info().Msg("Manual Git sync triggered")
	return p.syncService.Sync(ctx, TriggerManual)
}
