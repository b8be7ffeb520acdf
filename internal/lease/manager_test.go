package lease_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkpool/internal/clock"
	"linkpool/internal/config"
	"linkpool/internal/dedup"
	"linkpool/internal/inbound"
	"linkpool/internal/lease"
	"linkpool/internal/store"
	"linkpool/internal/testsupport"
)

type fixture struct {
	cfg   *config.Config
	store *store.Store
	clock *clock.FakeClock
}

// newFixture opens a store with count converted, deduplicated links.
func newFixture(t *testing.T, count int, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	for i := 0; i < count; i++ {
		url := "vless://user" + string(rune('a'+i)) + "@host:443"
		testsupport.AddConvertedLink(t, st, url, `{"server":"`+url+`"}`)
	}
	engine, err := dedup.NewEngine(cfg, st, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("dedup Run failed: %v", err)
	}
	return &fixture{cfg: cfg, store: st, clock: clock.Fake(time.Now())}
}

func (f *fixture) manager(owner string) *lease.Manager {
	cfg := *f.cfg
	cfg.Lease.Owner = owner
	return lease.NewManager(&cfg, f.store, inbound.NewPool(&cfg, f.store, nil, nil), f.clock, nil, nil)
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	f := newFixture(t, 1)
	a, b := f.manager("worker-a"), f.manager("worker-b")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    []error
	)
	for _, m := range []*lease.Manager{a, b} {
		wg.Add(1)
		go func(m *lease.Manager) {
			defer wg.Done()
			cohort, err := m.Claim(context.Background(), 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			claimed += len(cohort.LinkIDs)
		}(m)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", claimed)
	}
}

func TestClaimAssignsCohort(t *testing.T) {
	f := newFixture(t, 3)
	m := f.manager("worker-a")

	cohort, err := m.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(cohort.LinkIDs) != 3 || cohort.BatchID == "" {
		t.Fatalf("unexpected cohort: %+v", cohort)
	}
	for _, id := range cohort.LinkIDs {
		link := testsupport.MustGetLink(t, f.store, id)
		if link.TestStatus != store.TestClaimed || link.BatchID != cohort.BatchID || link.LeaseOwner != "worker-a" {
			t.Fatalf("unexpected claimed link: %+v", link)
		}
		if want := f.clock.Now().Add(f.cfg.LeaseTTL()).UnixMilli(); link.LeaseExpiry.UnixMilli() != want {
			t.Fatalf("expected expiry %d, got %d", want, link.LeaseExpiry.UnixMilli())
		}
	}

	again, err := m.Claim(context.Background(), 0)
	if err != nil || len(again.LinkIDs) != 0 || again.BatchID != "" {
		t.Fatalf("expected empty cohort while leases are held, got %+v (%v)", again, err)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	f := newFixture(t, 1, testsupport.WithLeaseTTL(30))
	a, b := f.manager("worker-a"), f.manager("worker-b")
	ctx := context.Background()

	first, err := a.Claim(ctx, 1)
	if err != nil || len(first.LinkIDs) != 1 {
		t.Fatalf("first claim: %+v (%v)", first, err)
	}
	f.clock.Advance(29 * time.Second)
	if cohort, _ := b.Claim(ctx, 1); len(cohort.LinkIDs) != 0 {
		t.Fatalf("expected lease still held at 29s, got %+v", cohort)
	}

	f.clock.Advance(2 * time.Second)
	second, err := b.Claim(ctx, 1)
	if err != nil || len(second.LinkIDs) != 1 {
		t.Fatalf("expected reclaim after 31s: %+v (%v)", second, err)
	}
	if _, err := a.Start(ctx, first.LinkIDs[0]); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for previous owner, got %v", err)
	}
	if err := a.Renew(ctx, first.LinkIDs[0]); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected renew to fail for previous owner, got %v", err)
	}
}

func TestStartAndCompleteLifecycle(t *testing.T) {
	f := newFixture(t, 1, testsupport.WithPortRange(9100, 9101))
	m := f.manager("worker-a")
	ctx := context.Background()

	cohort, err := m.Claim(ctx, 1)
	if err != nil || len(cohort.LinkIDs) != 1 {
		t.Fatalf("Claim: %+v (%v)", cohort, err)
	}
	id := cohort.LinkIDs[0]

	bound, err := m.Start(ctx, id)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if bound.Port != 9100 || bound.Tag != "in_test_9100" || bound.LinkID != id {
		t.Fatalf("unexpected inbound: %+v", bound)
	}
	link := testsupport.MustGetLink(t, f.store, id)
	if link.TestStatus != store.TestTesting || link.BoundPort != 9100 || link.TestStartedAt == nil {
		t.Fatalf("unexpected testing link: %+v", link)
	}

	if err := m.Complete(ctx, id, lease.Outcome{OK: true, Egress: store.Egress{IP: "203.0.113.7", Country: "NL"}}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	link = testsupport.MustGetLink(t, f.store, id)
	if link.TestStatus != store.TestDone || !link.IsAlive || link.LastTestOK == nil || !*link.LastTestOK {
		t.Fatalf("unexpected finished link: %+v", link)
	}
	if link.LeaseOwner != "" || link.LeaseExpiry != nil || link.BoundPort != 0 || link.Egress.IP != "203.0.113.7" {
		t.Fatalf("expected lease cleared and egress stored, got %+v", link)
	}
	if inbounds, _ := f.store.ListInbounds(ctx, store.RoleTest); len(inbounds) != 0 {
		t.Fatalf("expected test inbound freed, got %d", len(inbounds))
	}
}

func TestCompleteAfterExpiryWithoutReclaim(t *testing.T) {
	f := newFixture(t, 1, testsupport.WithLeaseTTL(30))
	m := f.manager("worker-a")
	ctx := context.Background()

	cohort, _ := m.Claim(ctx, 1)
	id := cohort.LinkIDs[0]
	if _, err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clock.Advance(time.Minute)

	if err := m.Complete(ctx, id, lease.Outcome{Error: "Timeout: dial tcp 1.2.3.4:443"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	link := testsupport.MustGetLink(t, f.store, id)
	if link.TestStatus != store.TestFailed || link.IsAlive || link.LastTestError != "timeout" {
		t.Fatalf("unexpected failed link: %+v", link)
	}
}

func TestCompleteRejectsOtherOwner(t *testing.T) {
	f := newFixture(t, 1)
	a, b := f.manager("worker-a"), f.manager("worker-b")
	ctx := context.Background()

	cohort, _ := a.Claim(ctx, 1)
	id := cohort.LinkIDs[0]
	if _, err := a.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Complete(ctx, id, lease.Outcome{OK: true}); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if link := testsupport.MustGetLink(t, f.store, id); link.TestStatus != store.TestTesting {
		t.Fatalf("expected link to stay testing, got %s", link.TestStatus)
	}
}

func TestExpiredLeasesFreeTestInbounds(t *testing.T) {
	f := newFixture(t, 2, testsupport.WithLeaseTTL(30), testsupport.WithPortRange(9200, 9201))
	a, b := f.manager("worker-a"), f.manager("worker-b")
	ctx := context.Background()

	cohort, err := a.Claim(ctx, 2)
	if err != nil || len(cohort.LinkIDs) != 2 {
		t.Fatalf("Claim: %+v (%v)", cohort, err)
	}
	for _, id := range cohort.LinkIDs {
		if _, err := a.Start(ctx, id); err != nil {
			t.Fatalf("Start %d failed: %v", id, err)
		}
	}
	f.clock.Advance(time.Minute)

	// A new owner claiming an expired link frees the old holder's inbound.
	taken, err := b.Claim(ctx, 1)
	if err != nil || len(taken.LinkIDs) != 1 {
		t.Fatalf("takeover claim: %+v (%v)", taken, err)
	}
	if inbounds, _ := f.store.ListInbounds(ctx, store.RoleTest); len(inbounds) != 1 {
		t.Fatalf("expected one inbound left after takeover, got %d", len(inbounds))
	}

	if n, err := a.ReclaimExpired(ctx); err != nil || n != 1 {
		t.Fatalf("expected one reclaimed lease, got %d (%v)", n, err)
	}
	if inbounds, _ := f.store.ListInbounds(ctx, store.RoleTest); len(inbounds) != 0 {
		t.Fatalf("expected reclaim to free the inbound, got %d", len(inbounds))
	}
	if _, err := b.Start(ctx, taken.LinkIDs[0]); err != nil {
		t.Fatalf("Start after takeover failed: %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	f := newFixture(t, 1, testsupport.WithLeaseTTL(30))
	m := f.manager("worker-a")
	ctx := context.Background()

	cohort, _ := m.Claim(ctx, 1)
	id := cohort.LinkIDs[0]
	f.clock.Advance(20 * time.Second)
	if err := m.Renew(ctx, id); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	f.clock.Advance(20 * time.Second)
	if n, err := m.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Fatalf("expected renewed lease to survive, reclaimed %d (%v)", n, err)
	}
	f.clock.Advance(11 * time.Second)
	if n, err := m.ReclaimExpired(ctx); err != nil || n != 1 {
		t.Fatalf("expected lease reclaimed, got %d (%v)", n, err)
	}
}

func TestReleaseReturnsCohortToIdle(t *testing.T) {
	f := newFixture(t, 2)
	m := f.manager("worker-a")
	ctx := context.Background()

	cohort, _ := m.Claim(ctx, 0)
	if _, err := m.Start(ctx, cohort.LinkIDs[0]); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n, err := m.Release(ctx, cohort.BatchID)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 released, got %d (%v)", n, err)
	}
	if inbounds, _ := f.store.ListInbounds(ctx, ""); len(inbounds) != 0 {
		t.Fatalf("expected inbounds freed, got %d", len(inbounds))
	}
	if other, _ := f.manager("worker-b").Claim(ctx, 0); len(other.LinkIDs) != 2 {
		t.Fatalf("expected released links claimable, got %+v", other)
	}
}

func TestRequeueFinishedLinks(t *testing.T) {
	f := newFixture(t, 1)
	m := f.manager("worker-a")
	ctx := context.Background()

	cohort, _ := m.Claim(ctx, 1)
	id := cohort.LinkIDs[0]
	if _, err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Complete(ctx, id, lease.Outcome{OK: true}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if n, _ := m.Requeue(ctx, time.Hour); n != 0 {
		t.Fatalf("expected fresh result to stay, requeued %d", n)
	}
	f.clock.Advance(2 * time.Hour)
	if n, err := m.Requeue(ctx, time.Hour); err != nil || n != 1 {
		t.Fatalf("expected one requeued link, got %d (%v)", n, err)
	}
	if link := testsupport.MustGetLink(t, f.store, id); link.TestStatus != store.TestIdle || !link.IsAlive {
		t.Fatalf("expected idle link keeping liveness, got %+v", link)
	}
}

func TestNormalizeErrorCode(t *testing.T) {
	cases := map[string]string{
		"":                      "fail",
		"   ":                   "fail",
		"Timeout: dial tcp":     "timeout",
		"EOF":                   "eof",
		"handshake":             "handshake",
		"a234567890123456789012345678901234567890": "a2345678901234567890123456789012",
	}
	for in, want := range cases {
		if got := lease.NormalizeErrorCode(in); got != want {
			t.Fatalf("NormalizeErrorCode(%q) = %q, want %q", in, got, want)
		}
	}
}
