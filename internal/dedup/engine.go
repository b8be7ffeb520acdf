package dedup

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"linkpool/internal/canon"
	"linkpool/internal/config"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

// Stats summarizes one pass.
type Stats struct {
	Scanned    int // unchecked candidates read
	Groups     int // distinct digests among candidates
	Primaries  int // candidates marked as group leader or unique
	Duplicates int // candidates marked duplicate
	Applied    int // guarded writes that took effect
	Skipped    int // guarded writes lost to a concurrent change
	Joined     int // candidates attached to an existing primary
	Conflicts  int // groups led by a candidate below an existing primary
	Promoted   int // existing unique rows turned into group leaders
	Elected    int // joining groups led by a candidate after their primary vanished
	Batches    int
}

// Engine groups unchecked links by canonical digest and marks primaries and
// duplicates.
type Engine struct {
	store     *store.Store
	hasher    *canon.Hasher
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewEngine builds an engine from the dedup configuration section.
func NewEngine(cfg *config.Config, st *store.Store, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	hasher, err := canon.NewHasher(cfg.Dedup.Digest)
	if err != nil {
		return nil, fmt.Errorf("dedup digest: %w", err)
	}
	batchSize := cfg.Dedup.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Engine{
		store:     st,
		hasher:    hasher,
		batchSize: batchSize,
		logger:    logging.NewComponentLogger(logger, "dedup"),
		metrics:   m,
	}, nil
}

// Run performs one pass over every unchecked candidate. Writes are applied in
// batches of roughly batchSize rows, each in its own transaction; rows changed
// by another writer since they were read are skipped and counted.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	started := time.Now()
	var stats Stats

	groups, err := e.collect(ctx, &stats)
	if err != nil {
		return stats, err
	}
	if stats.Scanned == 0 {
		e.logger.Debug("no dedup candidates")
		return stats, nil
	}

	plan, err := e.plan(ctx, groups, &stats)
	if err != nil {
		return stats, err
	}

	for start := 0; start < len(plan); {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end, rows := start, 0
		for end < len(plan) && (rows == 0 || rows+groupRows(plan[end]) <= e.batchSize) {
			rows += groupRows(plan[end])
			end++
		}
		result, err := e.store.ApplyDedup(ctx, plan[start:end])
		if err != nil {
			return stats, fmt.Errorf("apply dedup batch %d: %w", stats.Batches+1, err)
		}
		stats.Applied += result.Applied
		stats.Skipped += result.Skipped
		stats.Promoted += result.Promoted
		stats.Elected += result.Elected
		stats.Batches++
		start = end
	}

	e.metrics.DedupPass(stats.Scanned, stats.Groups, stats.Primaries, stats.Duplicates,
		stats.Applied, stats.Skipped, stats.Conflicts)
	e.logger.Info("dedup pass complete",
		logging.Int("scanned", stats.Scanned),
		logging.Int("groups", stats.Groups),
		logging.Int("primaries", stats.Primaries),
		logging.Int("duplicates", stats.Duplicates),
		logging.Int("applied", stats.Applied),
		logging.Int("skipped", stats.Skipped),
		logging.Int("joined", stats.Joined),
		logging.Int("conflicts", stats.Conflicts),
		logging.Int("elected", stats.Elected),
		logging.Duration("elapsed", time.Since(started)),
	)
	return stats, nil
}

// collect reads every candidate page and groups them by digest. Config text
// is dropped once hashed.
func (e *Engine) collect(ctx context.Context, stats *Stats) (map[string][]store.DedupCandidate, error) {
	groups := make(map[string][]store.DedupCandidate)
	var afterID int64
	for {
		page, err := e.store.DedupCandidates(ctx, afterID, e.batchSize)
		if err != nil {
			return nil, err
		}
		for _, candidate := range page {
			hash := e.hasher.Digest(candidate.ConfigJSON)
			candidate.ConfigJSON = ""
			groups[hash] = append(groups[hash], candidate)
			afterID = candidate.ID
		}
		stats.Scanned += len(page)
		if len(page) < e.batchSize {
			return groups, nil
		}
	}
}

// plan resolves each digest group against rows checked by earlier passes.
// When an existing primary has a lower id than every candidate, candidates
// join it; otherwise the lowest candidate leads.
func (e *Engine) plan(ctx context.Context, groups map[string][]store.DedupCandidate, stats *Stats) ([]store.DedupGroup, error) {
	hashes := make([]string, 0, len(groups))
	for hash := range groups {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)

	anchors, err := e.store.DedupAnchors(ctx, hashes)
	if err != nil {
		return nil, err
	}

	plan := make([]store.DedupGroup, 0, len(hashes))
	for _, hash := range hashes {
		members := groups[hash]
		slices.SortFunc(members, func(a, b store.DedupCandidate) int {
			return cmp.Compare(a.ID, b.ID)
		})
		stats.Groups++

		anchor, known := anchors[hash]
		leader := members[0]
		if known && anchor < leader.ID {
			plan = append(plan, store.DedupGroup{Hash: hash, AnchorID: anchor, Members: members})
			stats.Joined += len(members)
			stats.Duplicates += len(members)
			continue
		}
		if known {
			stats.Conflicts++
			e.logger.Warn("existing group has higher id than new leader",
				logging.String("hash", hash),
				logging.Int64("anchor", anchor),
				logging.LinkID(leader.ID),
			)
		}

		group := store.DedupGroup{Hash: hash, Leader: &leader, Members: members[1:]}
		if len(group.Members) > 0 {
			group.GroupID = leader.ID
		}
		plan = append(plan, group)
		stats.Primaries++
		stats.Duplicates += len(group.Members)
	}
	return plan, nil
}

func groupRows(group store.DedupGroup) int {
	rows := len(group.Members)
	if group.Leader != nil || group.AnchorID != 0 {
		rows++
	}
	return rows
}
