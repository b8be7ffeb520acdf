package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"linkpool/internal/clock"
	"linkpool/internal/config"
	"linkpool/internal/inbound"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

// ErrLeaseLost reports that the caller no longer holds the lease it acted on:
// it expired and was reclaimed, or another owner holds it.
var ErrLeaseLost = errors.New("lease not held")

// Cohort is the set of links claimed together under one batch id.
type Cohort struct {
	BatchID string
	LinkIDs []int64
	// Lost counts candidates another worker claimed first.
	Lost int
}

// Outcome is what the prober reports for one test.
type Outcome struct {
	OK     bool
	Error  string
	Egress store.Egress
}

// Manager drives the idle → claimed → testing → done/failed lifecycle for
// one owner identity.
type Manager struct {
	store      *store.Store
	pool       *inbound.Pool
	clock      clock.Clock
	owner      string
	ttl        time.Duration
	claimLimit int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewManager builds a manager from the lease configuration section. A nil
// clock uses wall time.
func NewManager(cfg *config.Config, st *store.Store, pool *inbound.Pool, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	owner := cfg.Lease.Owner
	if owner == "" {
		owner = config.DefaultOwner()
	}
	return &Manager{
		store:      st,
		pool:       pool,
		clock:      clk,
		owner:      owner,
		ttl:        cfg.LeaseTTL(),
		claimLimit: cfg.Lease.ClaimLimit,
		logger:     logging.NewComponentLogger(logger, "lease").With(logging.Owner(owner)),
		metrics:    m,
	}
}

// Owner returns the identity written into lease_owner.
func (m *Manager) Owner() string {
	return m.owner
}

// Claim leases up to limit eligible links under a fresh batch id. A limit of
// zero or less uses the configured claim limit. Losing a race for a link is
// not an error; the link is counted in Lost.
func (m *Manager) Claim(ctx context.Context, limit int) (Cohort, error) {
	if limit <= 0 {
		limit = m.claimLimit
	}
	now := m.clock.Now()
	candidates, err := m.store.ClaimCandidates(ctx, now, limit)
	if err != nil {
		return Cohort{}, err
	}
	if len(candidates) == 0 {
		return Cohort{}, nil
	}

	batchID := uuid.NewString()
	var cohort Cohort
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		cohort = Cohort{BatchID: batchID}
		for _, id := range candidates {
			ok, err := tx.ClaimLink(ctx, id, m.owner, batchID, now, now.Add(m.ttl))
			if err != nil {
				return err
			}
			if !ok {
				cohort.Lost++
				continue
			}
			if _, err := m.pool.ReleaseTx(ctx, tx, id); err != nil {
				return err
			}
			cohort.LinkIDs = append(cohort.LinkIDs, id)
		}
		return nil
	})
	if err != nil {
		return Cohort{}, fmt.Errorf("claim cohort: %w", err)
	}
	if len(cohort.LinkIDs) == 0 {
		cohort.BatchID = ""
	}

	m.metrics.Claims(len(cohort.LinkIDs), cohort.Lost)
	logging.WithContext(logging.WithBatchID(ctx, cohort.BatchID), m.logger).Info("claimed cohort",
		logging.Int("claimed", len(cohort.LinkIDs)),
		logging.Int("lost", cohort.Lost),
		logging.Duration("ttl", m.ttl),
	)
	return cohort, nil
}

// Start moves a claimed link to testing, refreshes its lease, and binds a
// test inbound in the same transaction.
func (m *Manager) Start(ctx context.Context, linkID int64) (*store.Inbound, error) {
	link, err := m.store.GetLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var bound *store.Inbound
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.BeginTest(ctx, linkID, m.owner, now, now.Add(m.ttl))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("start link %d: %w", linkID, ErrLeaseLost)
		}
		bound, err = m.pool.AllocateTx(ctx, tx, link)
		if err != nil {
			return err
		}
		return tx.BindInbound(ctx, linkID, bound.Port, bound.Tag)
	})
	if err != nil {
		return nil, err
	}
	logging.WithContext(logging.WithLinkID(ctx, linkID), m.logger).Info("test started",
		logging.Int("port", bound.Port),
		logging.String("tag", bound.Tag),
	)
	return bound, nil
}

// Complete records a test outcome, frees the test inbound, and clears the
// lease. It succeeds after the lease expired as long as no other worker
// reclaimed the link.
func (m *Manager) Complete(ctx context.Context, linkID int64, outcome Outcome) error {
	result := store.TestResult{OK: outcome.OK, Egress: outcome.Egress}
	if !outcome.OK {
		result.Error = NormalizeErrorCode(outcome.Error)
	}
	var finished bool
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		finished, err = tx.FinishTest(ctx, linkID, m.owner, result, m.clock.Now())
		if err != nil || !finished {
			return err
		}
		_, err = m.pool.ReleaseTx(ctx, tx, linkID)
		return err
	})
	if err != nil {
		return err
	}
	logger := logging.WithContext(logging.WithLinkID(ctx, linkID), m.logger)
	if !finished {
		m.metrics.Completion("lost")
		logger.Warn("completion rejected, lease not held")
		return fmt.Errorf("complete link %d: %w", linkID, ErrLeaseLost)
	}
	status := string(store.TestFailed)
	if outcome.OK {
		status = string(store.TestDone)
	}
	m.metrics.Completion(status)
	logger.Info("test finished", logging.String("status", status), logging.String("code", result.Error))
	return nil
}

// Renew extends the caller's unexpired lease by the configured TTL.
func (m *Manager) Renew(ctx context.Context, linkID int64) error {
	now := m.clock.Now()
	ok, err := m.store.RenewLease(ctx, linkID, m.owner, now, now.Add(m.ttl))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("renew link %d: %w", linkID, ErrLeaseLost)
	}
	return nil
}

// Release returns every link of the caller's cohort still leased to idle.
func (m *Manager) Release(ctx context.Context, batchID string) (int, error) {
	var n int
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		ids, err := tx.ReleaseBatch(ctx, batchID, m.owner, m.clock.Now())
		if err != nil {
			return err
		}
		n = len(ids)
		return m.freeInbounds(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	logging.WithContext(logging.WithBatchID(ctx, batchID), m.logger).Info("released cohort", logging.Int("released", n))
	return n, nil
}

// ReclaimExpired returns links with expired leases to idle and frees their
// test inbounds.
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	var n int
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		ids, err := tx.ReclaimExpired(ctx, m.clock.Now())
		if err != nil {
			return err
		}
		n = len(ids)
		return m.freeInbounds(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	m.metrics.Reclaimed(n)
	if n > 0 {
		m.logger.Info("reclaimed expired leases", logging.Int("reclaimed", n))
	}
	return n, nil
}

func (m *Manager) freeInbounds(ctx context.Context, tx *store.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := m.pool.ReleaseTx(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Requeue returns done and failed links tested at least olderThan ago to idle.
func (m *Manager) Requeue(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.store.RequeueFinished(ctx, m.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	m.metrics.Requeued(n)
	if n > 0 {
		m.logger.Info("requeued finished links", logging.Int("requeued", n), logging.Duration("older_than", olderThan))
	}
	return n, nil
}
