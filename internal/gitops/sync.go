package gitops

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/portkeep/portkeep/internal/config"
	"github.com/portkeep/portkeep/internal/logger"
	"github.com/portkeep/portkeep/internal/metrics"
	"github.com/portkeep/portkeep/internal/rules"
)

// Trigger names what started a sync operation
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerPoll    Trigger = "poll"
	TriggerManual  Trigger = "manual"
)

// ApplyFunc installs a validated rule set pulled from the repository.
type ApplyFunc func(rs []rules.Rule) error

// SyncService manages rule synchronization from Git
type SyncService struct {
	repo    *Repository
	apply   ApplyFunc
	metrics *metrics.Metrics

	mu          sync.Mutex
	currentHash string
	history     []*SyncRecord
}

// SyncRecord is one sync attempt kept for the status surface.
type SyncRecord struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Trigger    Trigger     `json:"trigger"`
	Success    bool        `json:"success"`
	HasChanges bool        `json:"has_changes"`
	RuleCount  int         `json:"rule_count"`
	Error      string      `json:"error,omitempty"`
	Commit     *CommitInfo `json:"commit,omitempty"`
}

// Sync history is bounded; older records fall off the front.
const maxHistory = 50

// NewSyncService creates a new sync service. m may be nil.
func NewSyncService(repo *Repository, apply ApplyFunc, m *metrics.Metrics) *SyncService {
	return &SyncService{
		repo:    repo,
		apply:   apply,
		metrics: m,
	}
}

// Sync performs a complete sync operation: pull, validate, apply.
func (s *SyncService) Sync(ctx context.Context, trigger Trigger) (*SyncRecord, error) {
	rec := &SyncRecord{
		StartedAt: time.Now(),
		Trigger:   trigger,
	}

	err := s.sync(ctx, rec)

	rec.FinishedAt = time.Now()
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	s.metrics.RecordGitSync(rec.Success, rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	s.record(rec)
	return rec, err
}

func (s *SyncService) sync(ctx context.Context, rec *SyncRecord) error {
	commitInfo, hasChanges, err := s.repo.Pull(ctx)
	if err != nil {
		return fmt.Errorf("failed to pull from repository: %w", err)
	}
	rec.Commit = commitInfo
	rec.HasChanges = hasChanges

	s.mu.Lock()
	upToDate := !hasChanges && s.currentHash == commitInfo.Hash
	s.mu.Unlock()
	if upToDate {
		logger.Debug().
			Str("commit", commitInfo.Hash).
			Msg("No changes in Git repository, skipping sync")
		return nil
	}

	path := s.repo.ConfigFilePath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("rules file not found in repository: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("rules file validation failed: %w", err)
	}
	rs, err := cfg.DesiredRules()
	if err != nil {
		return fmt.Errorf("rules file validation failed: %w", err)
	}
	rec.RuleCount = len(rs)

	if err := s.apply(rs); err != nil {
		return fmt.Errorf("failed to apply rules: %w", err)
	}

	s.mu.Lock()
	s.currentHash = commitInfo.Hash
	s.mu.Unlock()

	logger.Info().
		Str("commit", commitInfo.Hash).
		Int("rules", len(rs)).
		Msg("Applied rules from Git repository")
	return nil
}

func (s *SyncService) record(rec *SyncRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns the recorded sync attempts, most recent last.
func (s *SyncService) History() []*SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SyncRecord, len(s.history))
	copy(out, s.history)
	return out
}
