package convert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"linkpool/internal/config"
	"linkpool/internal/logging"
	"linkpool/internal/store"
)

const maxImportLine = 1 << 20

// ImportStats summarizes one import.
type ImportStats struct {
	Lines   int
	Added   int64
	Known   int   // links already present
	Split   int   // lines holding several links
	Skipped int   // lines without a scheme
	Parts   int64 // new links created from split lines
}

// Importer reads raw link text, one link per line, into the store.
type Importer struct {
	store     *store.Store
	batchSize int
	logger    *slog.Logger
}

// NewImporter builds an importer that writes in batches of the conversion
// batch size.
func NewImporter(cfg *config.Config, st *store.Store, logger *slog.Logger) *Importer {
	batchSize := cfg.Convert.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Importer{
		store:     st,
		batchSize: batchSize,
		logger:    logging.NewComponentLogger(logger, "import"),
	}
}

// Import reads r to the end. Lines holding several links are stored as a
// retired parent plus one child per link.
func (i *Importer) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var (
		stats ImportStats
		batch []store.NewLink
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := i.store.AddLinks(ctx, batch)
		if err != nil {
			return err
		}
		stats.Added += n
		stats.Known += len(batch) - int(n)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Lines++

		protocol := DetectProtocol(line)
		if protocol == "" {
			stats.Skipped++
			continue
		}
		parts := SplitLinks(line)
		if len(parts) <= 1 {
			batch = append(batch, store.NewLink{URL: line, Protocol: protocol})
			if len(batch) >= i.batchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
			continue
		}

		if err := flush(); err != nil {
			return stats, err
		}
		added, err := i.importSplit(ctx, line, protocol, parts)
		if err != nil {
			return stats, err
		}
		stats.Split++
		stats.Parts += added
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read links: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}

	i.logger.Info("import complete",
		logging.Int("lines", stats.Lines),
		logging.Int64("added", stats.Added),
		logging.Int("known", stats.Known),
		logging.Int("split", stats.Split),
		logging.Int64("parts", stats.Parts),
		logging.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (i *Importer) importSplit(ctx context.Context, line, protocol string, parts []string) (int64, error) {
	if _, err := i.store.AddLinks(ctx, []store.NewLink{{URL: line, Protocol: protocol}}); err != nil {
		return 0, err
	}
	parent, err := i.store.FindLinkByURL(ctx, line)
	if err != nil {
		return 0, err
	}
	return splitInto(ctx, i.store, parent.ID, parts)
}

func splitInto(ctx context.Context, st *store.Store, parentID int64, parts []string) (int64, error) {
	children := make([]store.NewLink, 0, len(parts))
	for _, part := range parts {
		children = append(children, store.NewLink{URL: part, Protocol: DetectProtocol(part)})
	}
	return st.SplitLink(ctx, parentID, children)
}
