package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const linkColumns = "id, url, protocol, repaired_url, outbound_tag, config_json, config_hash, dedup_checked, is_duplicate, duplicate_group_id, is_invalid, protocol_unsupported, needs_replace, parent_id, test_status, test_started_at, lease_expiry, lease_owner, batch_id, is_alive, last_test_ok, last_test_error, last_test_at, bound_port, inbound_tag, ip, country, city, datacenter, created_at, updated_at"

func scanLink(scanner interface{ Scan(dest ...any) error }) (*Link, error) {
	var (
		link          Link
		protocol      sql.NullString
		repairedURL   sql.NullString
		outboundTag   sql.NullString
		configJSON    sql.NullString
		configHash    sql.NullString
		dedupChecked  int
		isDuplicate   int
		groupID       sql.NullInt64
		isInvalid     int
		unsupported   int
		needsReplace  int
		parentID      sql.NullInt64
		statusRaw     string
		startedRaw    sql.NullString
		leaseExpiry   sql.NullInt64
		leaseOwner    sql.NullString
		batchID       sql.NullString
		isAlive       int
		lastTestOK    sql.NullInt64
		lastTestError sql.NullString
		lastTestRaw   sql.NullString
		boundPort     sql.NullInt64
		inboundTag    sql.NullString
		ip            sql.NullString
		country       sql.NullString
		city          sql.NullString
		datacenter    sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&link.ID, &link.URL, &protocol, &repairedURL, &outboundTag, &configJSON, &configHash,
		&dedupChecked, &isDuplicate, &groupID, &isInvalid, &unsupported, &needsReplace, &parentID,
		&statusRaw, &startedRaw, &leaseExpiry, &leaseOwner, &batchID,
		&isAlive, &lastTestOK, &lastTestError, &lastTestRaw, &boundPort, &inboundTag,
		&ip, &country, &city, &datacenter, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	link.Protocol = protocol.String
	link.RepairedURL = repairedURL.String
	link.OutboundTag = outboundTag.String
	link.ConfigJSON = configJSON.String
	link.ConfigHash = configHash.String
	link.DedupChecked = dedupChecked != 0
	link.IsDuplicate = isDuplicate != 0
	link.DuplicateGroupID = groupID.Int64
	link.IsInvalid = isInvalid != 0
	link.ProtocolUnsupported = unsupported != 0
	link.NeedsReplace = needsReplace != 0
	link.ParentID = parentID.Int64
	link.TestStatus = TestStatus(statusRaw)
	link.TestStartedAt = timePtr(startedRaw)
	if leaseExpiry.Valid {
		expiry := time.UnixMilli(leaseExpiry.Int64).UTC()
		link.LeaseExpiry = &expiry
	}
	link.LeaseOwner = leaseOwner.String
	link.BatchID = batchID.String
	link.IsAlive = isAlive != 0
	if lastTestOK.Valid {
		ok := lastTestOK.Int64 != 0
		link.LastTestOK = &ok
	}
	link.LastTestError = lastTestError.String
	link.LastTestAt = timePtr(lastTestRaw)
	link.BoundPort = int(boundPort.Int64)
	link.InboundTag = inboundTag.String
	link.Egress = Egress{IP: ip.String, Country: country.String, City: city.String, Datacenter: datacenter.String}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		link.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		link.UpdatedAt = updated
	}
	return &link, nil
}

func queryLinks(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]*Link, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// AddLinks inserts links whose URL is not yet known and returns how many rows
// were created. Existing URLs are left untouched.
func (s *Store) AddLinks(ctx context.Context, links []NewLink) (int64, error) {
	var inserted int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		inserted = 0
		now := formatTime(time.Now())
		for _, link := range links {
			url := strings.TrimSpace(link.URL)
			if url == "" {
				continue
			}
			res, err := tx.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO links (url, protocol, parent_id, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?)`,
				url, nullableString(link.Protocol), nullableInt64(link.ParentID), now, now,
			)
			if err != nil {
				return fmt.Errorf("insert link: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetLink fetches a link by identifier.
func (s *Store) GetLink(ctx context.Context, id int64) (*Link, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ?`, id)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

// FindLinkByURL fetches a link by its source URL.
func (s *Store) FindLinkByURL(ctx context.Context, url string) (*Link, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE url = ?`, strings.TrimSpace(url))
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link %q: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	return link, nil
}

// LinkFilter narrows ListLinks. Zero fields match everything.
type LinkFilter struct {
	Statuses []TestStatus
	BatchID  string
	Limit    int
}

// ListLinks returns links ordered by id.
func (s *Store) ListLinks(ctx context.Context, filter LinkFilter) ([]*Link, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "test_status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	query := `SELECT ` + linkColumns + ` FROM links`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	links, err := queryLinks(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

// DeleteLink removes a link. Links still referenced by an inbound or a
// derived link cannot be deleted. Duplicates grouped under the link return
// to the unchecked pool so the next dedup pass elects a new primary.
func (s *Store) DeleteLink(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("delete link %d: %w", id, ErrReferenced)
			}
			return fmt.Errorf("delete link: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("link %d: %w", id, ErrNotFound)
		}
		return tx.releaseDuplicates(ctx, id, formatTime(time.Now()))
	})
}

// releaseDuplicates returns the duplicates grouped under primaryID to the
// unchecked pool.
func (tx *Tx) releaseDuplicates(ctx context.Context, primaryID int64, now string) error {
	if _, err := tx.tx.ExecContext(ctx,
		`UPDATE links
         SET dedup_checked = 0, is_duplicate = 0, duplicate_group_id = NULL, updated_at = ?
         WHERE is_duplicate = 1 AND duplicate_group_id = ?`,
		now, primaryID,
	); err != nil {
		return fmt.Errorf("release duplicates of %d: %w", primaryID, err)
	}
	return nil
}

// PendingConversion returns valid, supported links without a configuration,
// with id greater than afterID.
func (s *Store) PendingConversion(ctx context.Context, afterID int64, limit int) ([]*Link, error) {
	links, err := queryLinks(ctx, s.db,
		`SELECT `+linkColumns+` FROM links
         WHERE is_invalid = 0 AND protocol_unsupported = 0
           AND (config_json IS NULL OR TRIM(config_json) = '')
           AND id > ?
         ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending conversion: %w", err)
	}
	return links, nil
}

// RepairCandidates returns invalid links that may convert after repair.
// Links replaced by split children are skipped.
func (s *Store) RepairCandidates(ctx context.Context, afterID int64, limit int) ([]*Link, error) {
	links, err := queryLinks(ctx, s.db,
		`SELECT `+linkColumns+` FROM links
         WHERE is_invalid = 1 AND protocol_unsupported = 0 AND needs_replace = 0
           AND TRIM(url) <> '' AND id > ?
         ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repair candidates: %w", err)
	}
	return links, nil
}

// AssignOutboundTag sets the outbound tag of a link that has none.
// It reports false when the link already carries a tag.
func (s *Store) AssignOutboundTag(ctx context.Context, id int64, tag string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE links SET outbound_tag = ?, updated_at = ? WHERE id = ? AND outbound_tag IS NULL`,
		tag, formatTime(time.Now()), id,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return false, fmt.Errorf("assign outbound tag %q: %w", tag, ErrOutboundTagInUse)
		}
		return false, fmt.Errorf("assign outbound tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StoreConversion records a converted configuration and resets dedup state so
// the next pass hashes the new content. Duplicates that pointed at the link
// are returned to the unchecked pool with it.
func (s *Store) StoreConversion(ctx context.Context, id int64, configJSON, repairedURL string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		now := formatTime(time.Now())
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE links
             SET config_json = ?, repaired_url = ?, is_invalid = 0,
                 config_hash = NULL, dedup_checked = 0, is_duplicate = 0, duplicate_group_id = NULL,
                 updated_at = ?
             WHERE id = ?`,
			configJSON, nullableString(repairedURL), now, id,
		)
		if err != nil {
			return fmt.Errorf("store conversion: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("link %d: %w", id, ErrNotFound)
		}
		return tx.releaseDuplicates(ctx, id, now)
	})
}

// MarkInvalid flags a link whose conversion failed. The attempted repair, if
// any, is kept for inspection. An invalid link stops anchoring its group.
func (s *Store) MarkInvalid(ctx context.Context, id int64, repairedURL string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		now := formatTime(time.Now())
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE links SET is_invalid = 1, repaired_url = COALESCE(?, repaired_url), updated_at = ? WHERE id = ?`,
			nullableString(repairedURL), now, id,
		); err != nil {
			return fmt.Errorf("mark invalid: %w", err)
		}
		return tx.releaseDuplicates(ctx, id, now)
	})
}

// SplitLink inserts the links parsed out of a multi-link row as children of
// parentID and retires the parent. It returns how many children were new.
func (s *Store) SplitLink(ctx context.Context, parentID int64, parts []NewLink) (int64, error) {
	var inserted int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		inserted = 0
		now := formatTime(time.Now())
		for _, part := range parts {
			url := strings.TrimSpace(part.URL)
			if url == "" {
				continue
			}
			res, err := tx.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO links (url, protocol, parent_id, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?)`,
				url, nullableString(part.Protocol), parentID, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert split link: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE links SET is_invalid = 1, needs_replace = 1, is_alive = 0, updated_at = ? WHERE id = ?`,
			now, parentID,
		)
		if err != nil {
			return fmt.Errorf("retire split parent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("link %d: %w", parentID, ErrNotFound)
		}
		return tx.releaseDuplicates(ctx, parentID, now)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// MarkUnsupported flags a link whose protocol the bridge cannot convert.
func (s *Store) MarkUnsupported(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE links SET protocol_unsupported = 1, is_invalid = 0, repaired_url = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark unsupported: %w", err)
	}
	return nil
}
