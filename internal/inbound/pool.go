package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"linkpool/internal/config"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

var (
	// ErrPoolExhausted reports that no port in the range is free.
	ErrPoolExhausted = errors.New("test inbound pool exhausted")
	// ErrPortInUse reports a port held by another inbound.
	ErrPortInUse = store.ErrPortInUse
	// ErrTagInUse reports a tag held by another inbound.
	ErrTagInUse = store.ErrTagInUse
)

// Pool allocates test inbounds from a fixed port range. Tags are the
// configured prefix followed by the port.
type Pool struct {
	store     *store.Store
	portStart int
	portEnd   int
	tagPrefix string
	status    string
	attempts  int
	probeHost string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewPool builds a pool from the inbound configuration section.
func NewPool(cfg *config.Config, st *store.Store, logger *slog.Logger, m *metrics.Metrics) *Pool {
	attempts := cfg.Inbound.AllocateAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Pool{
		store:     st,
		portStart: cfg.Inbound.PortStart,
		portEnd:   cfg.Inbound.PortEnd,
		tagPrefix: cfg.Inbound.TagPrefix,
		status:    cfg.Inbound.Status,
		attempts:  attempts,
		probeHost: cfg.Inbound.ProbeHost,
		logger:    logging.NewComponentLogger(logger, "inbound"),
		metrics:   m,
	}
}

// Tag returns the tag the pool assigns to port.
func (p *Pool) Tag(port int) string {
	return p.tagPrefix + strconv.Itoa(port)
}

// AllocateTx binds a new test inbound to link inside tx. It picks the lowest
// port whose port and tag are both free and, when a probe host is configured,
// that another process is not already listening on. It retries with the next free port
// when the insert collides with a concurrent writer. Ports and tags held by
// primary inbounds are never reused.
func (p *Pool) AllocateTx(ctx context.Context, tx *store.Tx, link *store.Link) (*store.Inbound, error) {
	ports, tags, err := tx.HeldEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < p.attempts; attempt++ {
		port, ok := p.nextFree(ports, tags)
		if !ok {
			p.metrics.Allocation("exhausted")
			return nil, fmt.Errorf("ports %d-%d: %w", p.portStart, p.portEnd, ErrPoolExhausted)
		}
		inbound := store.Inbound{
			Role:        store.RoleTest,
			Active:      true,
			Port:        port,
			Tag:         p.Tag(port),
			LinkID:      link.ID,
			OutboundTag: link.OutboundTag,
			Status:      p.status,
		}
		id, err := tx.InsertInbound(ctx, inbound)
		switch {
		case err == nil:
			inbound.ID = id
			p.metrics.Allocation("ok")
			return &inbound, nil
		case errors.Is(err, store.ErrPortInUse), errors.Is(err, store.ErrTagInUse):
			p.metrics.Allocation("collision")
			p.logger.Debug("inbound collision, retrying",
				logging.LinkID(link.ID),
				logging.Int("port", port),
				logging.Error(err),
			)
			ports[port] = struct{}{}
			tags[inbound.Tag] = struct{}{}
		default:
			return nil, err
		}
	}
	p.metrics.Allocation("exhausted")
	return nil, fmt.Errorf("after %d attempts: %w", p.attempts, ErrPoolExhausted)
}

// nextFree returns the lowest free port. Ports that fail the bind check are
// added to ports so later attempts in the same allocation skip them.
func (p *Pool) nextFree(ports map[int]struct{}, tags map[string]struct{}) (int, bool) {
	for port := p.portStart; port <= p.portEnd; port++ {
		if _, held := ports[port]; held {
			continue
		}
		if _, held := tags[p.Tag(port)]; held {
			continue
		}
		if !p.bindable(port) {
			p.metrics.Allocation("busy")
			ports[port] = struct{}{}
			continue
		}
		return port, true
	}
	return 0, false
}

func (p *Pool) bindable(port int) bool {
	if p.probeHost == "" {
		return true
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(p.probeHost, strconv.Itoa(port)))
	if err != nil {
		p.logger.Debug("port busy on host", logging.Int("port", port), logging.Error(err))
		return false
	}
	_ = ln.Close()
	return true
}

// ReleaseTx removes the test inbounds bound to linkID inside tx and reports
// how many were freed.
func (p *Pool) ReleaseTx(ctx context.Context, tx *store.Tx, linkID int64) (int64, error) {
	return tx.DeleteTestInbounds(ctx, linkID)
}

// Create inserts an inbound outside the test pool, typically a primary
// listener. Collisions fail with ErrPortInUse or ErrTagInUse.
func (p *Pool) Create(ctx context.Context, inbound store.Inbound) (*store.Inbound, error) {
	id, err := p.store.CreateInbound(ctx, inbound)
	if err != nil {
		return nil, err
	}
	inbound.ID = id
	return &inbound, nil
}

// List returns inbounds of role, or all inbounds when role is empty.
func (p *Pool) List(ctx context.Context, role store.InboundRole) ([]*store.Inbound, error) {
	return p.store.ListInbounds(ctx, role)
}
