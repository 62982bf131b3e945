package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunInFlight means an ingestion run for the account is already
// executing. Dedup checks and the last-sync update are not safe under two
// concurrent writers on the same account, so overlapping runs are
// rejected rather than queued.
var ErrRunInFlight = errors.New("ingest: run already in flight for account")

// Manager starts ingestion runs in the background, at most one per
// account at a time. Runs for different accounts execute concurrently.
type Manager struct {
	runner     *Runner
	runTimeout time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// NewManager creates a run manager around a Runner.
func NewManager(runner *Runner, runTimeout time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		runner:     runner,
		runTimeout: runTimeout,
		log:        log,
		running:    make(map[int64]context.CancelFunc),
	}
}

// Trigger starts a background ingestion run and returns its run id
// immediately. ErrRunInFlight is returned when the account already has a
// run executing. A run that times out leaves partially-ingested data
// committed; the next run's dedup makes resumption safe.
func (m *Manager) Trigger(ctx context.Context, accountID, maxResults int64, query string, since time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.running[accountID]; exists {
		return "", ErrRunInFlight
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.runTimeout)
	m.running[accountID] = cancel
	runID := uuid.NewString()

	go func() {
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.running, accountID)
			m.mu.Unlock()
		}()

		m.log.Info("ingestion run started", zap.String("run_id", runID), zap.Int64("account_id", accountID))
		summary, err := m.runner.FetchAndStore(runCtx, accountID, maxResults, query, since)
		if err != nil {
			m.log.Error("ingestion run failed",
				zap.String("run_id", runID),
				zap.Int64("account_id", accountID),
				zap.Int("stored_before_failure", summary.Stored),
				zap.Error(err))
			return
		}
		m.log.Info("ingestion run finished", zap.String("run_id", runID), zap.Int64("account_id", accountID))
	}()

	return runID, nil
}

// IsRunning reports whether the account has a run in flight.
func (m *Manager) IsRunning(accountID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.running[accountID]
	return exists
}

// StopAll cancels every in-flight run.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for accountID, cancel := range m.running {
		m.log.Info("cancelling ingestion run", zap.Int64("account_id", accountID))
		cancel()
	}
	m.running = make(map[int64]context.CancelFunc)
}
