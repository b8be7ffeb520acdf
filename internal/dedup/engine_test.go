package dedup_test

import (
	"context"
	"fmt"
	"testing"

	"linkpool/internal/config"
	"linkpool/internal/dedup"
	"linkpool/internal/logging"
	"linkpool/internal/store"
	"linkpool/internal/testsupport"
)

func newEngine(t *testing.T, cfg *config.Config, st *store.Store) *dedup.Engine {
	t.Helper()
	engine, err := dedup.NewEngine(cfg, st, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

// seed inserts count links; configs maps 1-based positions to content and the
// rest get unique content.
func seed(t *testing.T, st *store.Store, count int, configs map[int]string) []int64 {
	t.Helper()
	ids := make([]int64, 0, count)
	for i := 1; i <= count; i++ {
		content, ok := configs[i]
		if !ok {
			content = fmt.Sprintf(`{"server":"unique-%d"}`, i)
		}
		ids = append(ids, testsupport.AddConvertedLink(t, st, fmt.Sprintf("vless://u%d@h:443", i), content))
	}
	return ids
}

func TestSingletonGetsSentinelGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ids := seed(t, st, 7, nil)

	stats, err := newEngine(t, cfg, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Scanned != 7 || stats.Groups != 7 || stats.Primaries != 7 || stats.Duplicates != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	link := testsupport.MustGetLink(t, st, ids[6])
	if link.ID != 7 || !link.DedupChecked || link.IsDuplicate || link.DuplicateGroupID != 0 {
		t.Fatalf("unexpected singleton state: %+v", link)
	}
	if link.ConfigHash == "" {
		t.Fatal("expected digest to be stored")
	}
}

func TestGroupLedByLowestID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	seed(t, st, 12, map[int]string{
		12: `{"port":443,"tag":"a","address":"h"}`,
		5:  `{"address":"h","port":443}`,
		9:  `{"tag":"zz","port":443,"address":"h"}`,
	})

	stats, err := newEngine(t, cfg, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Duplicates != 2 || stats.Groups != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	primary := testsupport.MustGetLink(t, st, 5)
	if primary.IsDuplicate || primary.DuplicateGroupID != 5 {
		t.Fatalf("expected 5 to lead its group, got %+v", primary)
	}
	for _, id := range []int64{9, 12} {
		link := testsupport.MustGetLink(t, st, id)
		if !link.IsDuplicate || link.DuplicateGroupID != 5 {
			t.Fatalf("expected %d to be a duplicate of 5, got %+v", id, link)
		}
		if link.ConfigHash != primary.ConfigHash {
			t.Fatalf("expected shared digest for %d", id)
		}
	}
}

func TestNestedTagKeepsGroupsApart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	seed(t, st, 2, map[int]string{
		1: `{"inner":{"tag":"x"}}`,
		2: `{"inner":{}}`,
	})

	if _, err := newEngine(t, cfg, st).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if link := testsupport.MustGetLink(t, st, 2); link.IsDuplicate {
		t.Fatalf("expected nested tag to change digest, got %+v", link)
	}
}

func TestSecondRunWritesNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	seed(t, st, 4, map[int]string{1: `{"a":1}`, 3: `{"a":1}`})
	engine := newEngine(t, cfg, st)

	first, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Applied != 4 {
		t.Fatalf("expected 4 writes on first run, got %+v", first)
	}
	second, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Scanned != 0 || second.Applied != 0 || second.Batches != 0 {
		t.Fatalf("expected no work on second run, got %+v", second)
	}
}

func TestLateArrivalJoinsExistingPrimary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	seed(t, st, 2, map[int]string{1: `{"a":1}`})
	engine := newEngine(t, cfg, st)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	late := testsupport.AddConvertedLink(t, st, "vless://late@h:443", `{ "a" : 1 }`)
	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if stats.Joined != 1 || stats.Promoted != 1 || stats.Applied != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if link := testsupport.MustGetLink(t, st, 1); link.DuplicateGroupID != 1 || link.IsDuplicate {
		t.Fatalf("expected 1 promoted to group leader, got %+v", link)
	}
	if link := testsupport.MustGetLink(t, st, late); !link.IsDuplicate || link.DuplicateGroupID != 1 {
		t.Fatalf("expected late link to join group 1, got %+v", link)
	}
}

func TestDeletedPrimaryHandsGroupToNextMember(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	seed(t, st, 2, map[int]string{1: `{"a":1}`, 2: `{"a":1}`})
	engine := newEngine(t, cfg, st)
	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := st.DeleteLink(ctx, 1); err != nil {
		t.Fatalf("DeleteLink failed: %v", err)
	}
	late := testsupport.AddConvertedLink(t, st, "vless://late@h:443", `{"a":1}`)

	stats, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if stats.Scanned != 2 || stats.Skipped != 0 || stats.Joined != 0 || stats.Primaries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if link := testsupport.MustGetLink(t, st, 2); link.IsDuplicate || link.DuplicateGroupID != 2 || !link.DedupChecked {
		t.Fatalf("expected 2 to lead the group, got %+v", link)
	}
	if link := testsupport.MustGetLink(t, st, late); !link.IsDuplicate || link.DuplicateGroupID != 2 {
		t.Fatalf("expected late link to join group 2, got %+v", link)
	}

	third, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("third Run failed: %v", err)
	}
	if third.Scanned != 0 {
		t.Fatalf("expected group to settle, got %+v", third)
	}
}

func TestSmallBatchesConverge(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDedupBatchSize(2))
	st := testsupport.MustOpenStore(t, cfg)
	seed(t, st, 7, map[int]string{2: `{"a":1}`, 4: `{"a":1}`, 6: `{"a":1}`, 7: `not json`})

	stats, err := newEngine(t, cfg, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Scanned != 7 || stats.Applied != 7 || stats.Batches < 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, id := range []int64{4, 6} {
		if link := testsupport.MustGetLink(t, st, id); link.DuplicateGroupID != 2 {
			t.Fatalf("expected %d in group 2, got %+v", id, link)
		}
	}
	if link := testsupport.MustGetLink(t, st, 7); !link.DedupChecked || link.ConfigHash == "" {
		t.Fatalf("expected malformed config to be hashed, got %+v", link)
	}
}

func TestUnknownDigestRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Dedup.Digest = "md5"
	if _, err := dedup.NewEngine(cfg, testsupport.MustOpenStore(t, cfg), nil, nil); err == nil {
		t.Fatal("expected error for unsupported digest")
	}
}
