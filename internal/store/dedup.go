package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// maxQueryParams keeps IN lists well under SQLite's bound parameter limit.
const maxQueryParams = 500

// DedupCandidate is an unchecked link with configuration content.
type DedupCandidate struct {
	ID         int64
	ConfigJSON string
	UpdatedAt  string
}

// DedupCandidates returns up to limit unchecked, valid links with a non-empty
// configuration and id greater than afterID, ordered by id.
func (s *Store) DedupCandidates(ctx context.Context, afterID int64, limit int) ([]DedupCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config_json, updated_at FROM links
         WHERE dedup_checked = 0 AND is_invalid = 0
           AND config_json IS NOT NULL AND TRIM(config_json) <> ''
           AND id > ?
         ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dedup candidates: %w", err)
	}
	defer rows.Close()

	var candidates []DedupCandidate
	for rows.Next() {
		var c DedupCandidate
		if err := rows.Scan(&c.ID, &c.ConfigJSON, &c.UpdatedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// DedupAnchors returns, for each hash already held by a checked valid
// primary or unique link, the lowest such identifier.
func (s *Store) DedupAnchors(ctx context.Context, hashes []string) (map[string]int64, error) {
	anchors := make(map[string]int64, len(hashes))
	for start := 0; start < len(hashes); start += maxQueryParams {
		end := min(start+maxQueryParams, len(hashes))
		chunk := hashes[start:end]
		args := make([]any, 0, len(chunk))
		for _, hash := range chunk {
			args = append(args, hash)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT config_hash, MIN(id)
             FROM links
             WHERE dedup_checked = 1 AND is_invalid = 0 AND is_duplicate = 0
               AND config_hash IN (`+makePlaceholders(len(chunk))+`)
             GROUP BY config_hash`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("dedup anchors: %w", err)
		}
		for rows.Next() {
			var (
				hash   string
				anchor sql.NullInt64
			)
			if err := rows.Scan(&hash, &anchor); err != nil {
				rows.Close()
				return nil, err
			}
			if anchor.Valid && anchor.Int64 > 0 {
				anchors[hash] = anchor.Int64
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return anchors, nil
}

// DedupGroup is one write unit of a dedup pass. Either Leader is set and
// becomes the group's primary, or AnchorID names an already checked primary
// that Members join.
type DedupGroup struct {
	Hash     string
	AnchorID int64
	Leader   *DedupCandidate
	// GroupID is written on the leader: its own id when the group has
	// members, 0 when it is unique.
	GroupID int64
	Members []DedupCandidate
}

// DedupResult counts the outcome of ApplyDedup. Elected counts groups whose
// anchor vanished before the write and were led by their lowest member.
type DedupResult struct {
	Applied  int
	Skipped  int
	Promoted int
	Elected  int
}

// ApplyDedup writes one batch of groups in a single transaction. Every row
// update is guarded on the row still being unchecked and unmodified since it
// was read; guarded misses are counted as skipped. Members of a group whose
// leader could not be confirmed are skipped with it so duplicates never
// reference a row that is not a checked primary. A group whose anchor is no
// longer a valid primary is led by its lowest member instead.
func (s *Store) ApplyDedup(ctx context.Context, groups []DedupGroup) (DedupResult, error) {
	var result DedupResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		result = DedupResult{}
		now := formatTime(time.Now())
		for _, group := range groups {
			leaderID := group.AnchorID
			if group.Leader != nil {
				leaderID = group.Leader.ID
				ok, err := tx.markChecked(ctx, *group.Leader, group.Hash, false, group.GroupID, now)
				if err != nil {
					return err
				}
				if !ok {
					result.Skipped += 1 + len(group.Members)
					continue
				}
				result.Applied++
			} else {
				promoted, confirmed, err := tx.promoteAnchor(ctx, group.AnchorID, group.Hash, now)
				if err != nil {
					return err
				}
				if promoted {
					result.Promoted++
				}
				if !confirmed {
					if len(group.Members) == 0 {
						continue
					}
					elected := group.Members[0]
					group.Members = group.Members[1:]
					groupID := int64(0)
					if len(group.Members) > 0 {
						groupID = elected.ID
					}
					ok, err := tx.markChecked(ctx, elected, group.Hash, false, groupID, now)
					if err != nil {
						return err
					}
					if !ok {
						result.Skipped += 1 + len(group.Members)
						continue
					}
					result.Applied++
					result.Elected++
					leaderID = elected.ID
				}
			}
			for _, member := range group.Members {
				ok, err := tx.markChecked(ctx, member, group.Hash, true, leaderID, now)
				if err != nil {
					return err
				}
				if ok {
					result.Applied++
				} else {
					result.Skipped++
				}
			}
		}
		return nil
	})
	if err != nil {
		return DedupResult{}, err
	}
	return result, nil
}

func (tx *Tx) markChecked(ctx context.Context, c DedupCandidate, hash string, duplicate bool, groupID int64, now string) (bool, error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE links
         SET config_hash = ?, dedup_checked = 1, is_duplicate = ?, duplicate_group_id = ?, updated_at = ?
         WHERE id = ? AND dedup_checked = 0 AND updated_at = ?`,
		hash, boolToInt(duplicate), groupID, now, c.ID, c.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark link %d checked: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// promoteAnchor turns a checked unique row into the leader of its own group.
// confirmed reports whether the anchor is a checked primary for hash after
// the update.
func (tx *Tx) promoteAnchor(ctx context.Context, id int64, hash, now string) (promoted, confirmed bool, err error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE links SET duplicate_group_id = id, updated_at = ?
         WHERE id = ? AND dedup_checked = 1 AND is_duplicate = 0 AND is_invalid = 0
           AND config_hash = ? AND (duplicate_group_id IS NULL OR duplicate_group_id = 0)`,
		now, id, hash,
	)
	if err != nil {
		return false, false, fmt.Errorf("promote link %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}

	var count int
	if err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM links
         WHERE id = ? AND dedup_checked = 1 AND is_duplicate = 0 AND is_invalid = 0
           AND config_hash = ? AND duplicate_group_id = id`,
		id, hash,
	).Scan(&count); err != nil {
		return false, false, fmt.Errorf("confirm anchor %d: %w", id, err)
	}
	return n > 0, count > 0, nil
}
