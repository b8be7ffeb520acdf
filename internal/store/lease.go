package store

import (
	"context"
	"fmt"
	"time"
)

// claimEligible selects links that may be claimed at the bound unix-millis
// instant: checked primaries with configuration, either idle or holding a
// lease that has expired. A leased row without an expiry counts as expired.
const claimEligible = `dedup_checked = 1 AND is_duplicate = 0 AND is_invalid = 0 AND protocol_unsupported = 0
    AND config_json IS NOT NULL AND TRIM(config_json) <> ''
    AND (test_status = 'idle'
         OR (test_status IN ('claimed', 'testing') AND (lease_expiry IS NULL OR lease_expiry <= ?)))`

// ClaimCandidates lists up to limit link ids claimable at now. Links never
// tested come first, then the least recently tested.
func (s *Store) ClaimCandidates(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM links WHERE `+claimEligible+`
         ORDER BY last_test_at IS NOT NULL, last_test_at, id
         LIMIT ?`,
		unixMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimLink moves an eligible link to claimed under owner. It reports false
// when the link was no longer eligible at write time. The caller frees any
// test inbound left by a previous, expired holder in the same transaction.
func (tx *Tx) ClaimLink(ctx context.Context, id int64, owner, batchID string, now, expiry time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE links
         SET test_status = 'claimed', lease_owner = ?, lease_expiry = ?, batch_id = ?,
             test_started_at = NULL, bound_port = NULL, inbound_tag = NULL, updated_at = ?
         WHERE id = ? AND `+claimEligible,
		owner, unixMillis(expiry), batchID, formatTime(now), id, unixMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim link %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BeginTest moves a claimed link to testing. The caller must own an
// unexpired lease.
func (tx *Tx) BeginTest(ctx context.Context, id int64, owner string, now, expiry time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE links
         SET test_status = 'testing', test_started_at = ?, lease_expiry = ?, updated_at = ?
         WHERE id = ? AND test_status = 'claimed' AND lease_owner = ? AND lease_expiry > ?`,
		formatTime(now), unixMillis(expiry), formatTime(now), id, owner, unixMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("begin test %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BindInbound records the test inbound endpoint on the link.
func (tx *Tx) BindInbound(ctx context.Context, id int64, port int, tag string) error {
	if _, err := tx.tx.ExecContext(ctx,
		`UPDATE links SET bound_port = ?, inbound_tag = ?, updated_at = ? WHERE id = ?`,
		port, tag, formatTime(time.Now()), id,
	); err != nil {
		return fmt.Errorf("bind inbound on link %d: %w", id, err)
	}
	return nil
}

// FinishTest records a test outcome and clears the lease. It requires the
// link to still be testing under owner; an expired lease is accepted as long
// as nobody reclaimed the link. The caller frees the test inbound.
func (tx *Tx) FinishTest(ctx context.Context, id int64, owner string, result TestResult, now time.Time) (bool, error) {
	status := TestFailed
	if result.OK {
		status = TestDone
	}
	stamp := formatTime(now)
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE links
         SET test_status = ?, is_alive = ?, last_test_ok = ?, last_test_error = ?, last_test_at = ?,
             ip = COALESCE(?, ip), country = COALESCE(?, country), city = COALESCE(?, city),
             datacenter = COALESCE(?, datacenter),
             lease_owner = NULL, lease_expiry = NULL, bound_port = NULL, inbound_tag = NULL,
             updated_at = ?
         WHERE id = ? AND test_status = 'testing' AND lease_owner = ?`,
		string(status), boolToInt(result.OK), boolToInt(result.OK), nullableString(result.Error), stamp,
		nullableString(result.Egress.IP), nullableString(result.Egress.Country),
		nullableString(result.Egress.City), nullableString(result.Egress.Datacenter),
		stamp, id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("finish test %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewLease extends an unexpired lease held by owner.
func (s *Store) RenewLease(ctx context.Context, id int64, owner string, now, expiry time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE links SET lease_expiry = ?, updated_at = ?
         WHERE id = ? AND test_status IN ('claimed', 'testing') AND lease_owner = ? AND lease_expiry > ?`,
		unixMillis(expiry), formatTime(now), id, owner, unixMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("renew lease %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseBatch returns every link of batchID still leased by owner to idle
// and lists the ids it reset.
func (tx *Tx) ReleaseBatch(ctx context.Context, batchID, owner string, now time.Time) ([]int64, error) {
	ids, err := tx.leasedIDs(ctx,
		`SELECT id FROM links WHERE batch_id = ? AND lease_owner = ? AND test_status IN ('claimed', 'testing')`,
		batchID, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("release batch %s: %w", batchID, err)
	}
	return tx.resetToIdle(ctx, ids, `test_status IN ('claimed', 'testing') AND lease_owner = ?`, now, owner)
}

// ReclaimExpired returns every link whose lease expired at or before now to
// idle and lists the ids it reset.
func (tx *Tx) ReclaimExpired(ctx context.Context, now time.Time) ([]int64, error) {
	cutoff := unixMillis(now)
	ids, err := tx.leasedIDs(ctx,
		`SELECT id FROM links
         WHERE test_status IN ('claimed', 'testing') AND (lease_expiry IS NULL OR lease_expiry <= ?)`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	return tx.resetToIdle(ctx, ids,
		`test_status IN ('claimed', 'testing') AND (lease_expiry IS NULL OR lease_expiry <= ?)`, now, cutoff)
}

// RequeueFinished returns done and failed links last tested at or before
// cutoff to idle.
func (s *Store) RequeueFinished(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE links SET test_status = 'idle', batch_id = NULL, updated_at = ?
         WHERE test_status IN ('done', 'failed') AND (last_test_at IS NULL OR last_test_at <= ?)`,
		formatTime(time.Now()), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue finished: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (tx *Tx) leasedIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// resetToIdle clears the lease on each id still matching guard and returns
// the ids it changed.
func (tx *Tx) resetToIdle(ctx context.Context, ids []int64, guard string, now time.Time, guardArg any) ([]int64, error) {
	var reset []int64
	for _, id := range ids {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE links
             SET test_status = 'idle', lease_owner = NULL, lease_expiry = NULL, batch_id = NULL,
                 test_started_at = NULL, bound_port = NULL, inbound_tag = NULL, updated_at = ?
             WHERE id = ? AND `+guard,
			formatTime(now), id, guardArg,
		)
		if err != nil {
			return reset, fmt.Errorf("reset link %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return reset, err
		}
		if n > 0 {
			reset = append(reset, id)
		}
	}
	return reset, nil
}
