package convert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"linkpool/internal/config"
	"linkpool/internal/logging"
	"linkpool/internal/metrics"
	"linkpool/internal/store"
)

// Converter turns link text into a structured configuration. A nil result
// with a nil error means the link could not be converted.
type Converter interface {
	Convert(ctx context.Context, link string) (json.RawMessage, error)
}

// Result labels recorded per link.
const (
	ResultConverted   = "converted"
	ResultRepaired    = "repaired"
	ResultInvalid     = "invalid"
	ResultUnsupported = "unsupported"
	ResultSplit       = "split"
	ResultUnrepaired  = "unrepaired"
)

// Stats summarizes one job run.
type Stats struct {
	Seen        int
	Converted   int
	Repaired    int
	Invalid     int
	Unsupported int
	Split       int
	Failed      int // repair candidates with no applicable repair
	Batches     int
}

// Job converts pending links through a Converter and stores the tagged
// configuration.
type Job struct {
	store     *store.Store
	converter Converter
	protocols ProtocolSet
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewJob builds a conversion job from the convert configuration section.
func NewJob(cfg *config.Config, st *store.Store, converter Converter, logger *slog.Logger, m *metrics.Metrics) *Job {
	batchSize := cfg.Convert.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Job{
		store:     st,
		converter: converter,
		protocols: NewProtocolSet(cfg.Convert.Protocols),
		batchSize: batchSize,
		logger:    logging.NewComponentLogger(logger, "convert"),
		metrics:   m,
	}
}

// RunPending converts every valid link that has no configuration yet.
func (j *Job) RunPending(ctx context.Context) (Stats, error) {
	started := time.Now()
	var stats Stats
	var afterID int64
	for {
		page, err := j.store.PendingConversion(ctx, afterID, j.batchSize)
		if err != nil {
			return stats, err
		}
		for _, link := range page {
			afterID = link.ID
			result, err := j.convertPending(ctx, link)
			if err != nil {
				return stats, err
			}
			stats.count(result)
			j.metrics.Converted(result)
		}
		if len(page) > 0 {
			stats.Batches++
		}
		if len(page) < j.batchSize {
			break
		}
	}
	j.logRun("conversion pass complete", stats, started)
	return stats, nil
}

// RunRepair retries invalid links after rewriting them into a cleaner form.
func (j *Job) RunRepair(ctx context.Context) (Stats, error) {
	started := time.Now()
	var stats Stats
	var afterID int64
	for {
		page, err := j.store.RepairCandidates(ctx, afterID, j.batchSize)
		if err != nil {
			return stats, err
		}
		for _, link := range page {
			afterID = link.ID
			result, err := j.repair(ctx, link)
			if err != nil {
				return stats, err
			}
			stats.count(result)
			j.metrics.Converted(result)
		}
		if len(page) > 0 {
			stats.Batches++
		}
		if len(page) < j.batchSize {
			break
		}
	}
	j.logRun("repair pass complete", stats, started)
	return stats, nil
}

func (j *Job) convertPending(ctx context.Context, link *store.Link) (string, error) {
	logger := logging.WithContext(logging.WithLinkID(ctx, link.ID), j.logger)

	if parts := SplitLinks(link.URL); len(parts) > 1 {
		added, err := splitInto(ctx, j.store, link.ID, parts)
		if err != nil {
			return "", err
		}
		logger.Info("split multi-link row", logging.Int("parts", len(parts)), logging.Int64("added", added))
		return ResultSplit, nil
	}
	if j.protocols.Unsupported(link.URL) {
		if err := j.store.MarkUnsupported(ctx, link.ID); err != nil {
			return "", err
		}
		logger.Debug("unsupported protocol", logging.String("protocol", DetectProtocol(link.URL)))
		return ResultUnsupported, nil
	}

	configJSON, err := j.convert(ctx, link, link.URL)
	if err != nil {
		return "", err
	}
	if configJSON == "" {
		if err := j.store.MarkInvalid(ctx, link.ID, ""); err != nil {
			return "", err
		}
		return ResultInvalid, nil
	}
	if err := j.store.StoreConversion(ctx, link.ID, configJSON, ""); err != nil {
		return "", err
	}
	return ResultConverted, nil
}

func (j *Job) repair(ctx context.Context, link *store.Link) (string, error) {
	repaired, ok := Repair(link.URL)
	if !ok {
		return ResultUnrepaired, nil
	}
	configJSON, err := j.convert(ctx, link, repaired)
	if err != nil {
		return "", err
	}
	if configJSON == "" {
		if err := j.store.MarkInvalid(ctx, link.ID, repaired); err != nil {
			return "", err
		}
		return ResultInvalid, nil
	}
	if err := j.store.StoreConversion(ctx, link.ID, configJSON, ""); err != nil {
		return "", err
	}
	return ResultRepaired, nil
}

// convert runs text through the converter and injects the link's outbound
// tag. It returns "" when the link cannot be converted or tagged.
func (j *Job) convert(ctx context.Context, link *store.Link, text string) (string, error) {
	raw, err := j.converter.Convert(ctx, text)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", nil
	}

	tag, err := j.outboundTag(ctx, link)
	if err != nil {
		return "", err
	}
	configJSON, err := InjectTag(raw, tag)
	if err != nil {
		if !errors.Is(err, ErrUntaggable) {
			j.logger.Debug("converter returned unusable configuration",
				logging.LinkID(link.ID), logging.Error(err))
		}
		return "", nil
	}
	return configJSON, nil
}

func (j *Job) outboundTag(ctx context.Context, link *store.Link) (string, error) {
	if link.OutboundTag != "" {
		return link.OutboundTag, nil
	}
	tag := OutboundTag(link.ID)
	if _, err := j.store.AssignOutboundTag(ctx, link.ID, tag); err != nil {
		return "", err
	}
	link.OutboundTag = tag
	return tag, nil
}

func (s *Stats) count(result string) {
	s.Seen++
	switch result {
	case ResultConverted:
		s.Converted++
	case ResultRepaired:
		s.Repaired++
	case ResultInvalid:
		s.Invalid++
	case ResultUnsupported:
		s.Unsupported++
	case ResultSplit:
		s.Split++
	case ResultUnrepaired:
		s.Failed++
	}
}

func (j *Job) logRun(msg string, stats Stats, started time.Time) {
	if stats.Seen == 0 {
		j.logger.Debug("no links to process")
		return
	}
	j.logger.Info(msg,
		logging.Int("seen", stats.Seen),
		logging.Int("converted", stats.Converted),
		logging.Int("repaired", stats.Repaired),
		logging.Int("invalid", stats.Invalid),
		logging.Int("unsupported", stats.Unsupported),
		logging.Int("split", stats.Split),
		logging.Int("failed", stats.Failed),
		logging.Duration("elapsed", time.Since(started)),
	)
}
