package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const inboundColumns = "id, role, is_active, port, tag, link_id, outbound_tag, status, last_test_at, created_at"

// ValidInboundStatus reports whether status is a single non-empty word.
func ValidInboundStatus(status string) bool {
	if status == "" {
		return false
	}
	return strings.IndexFunc(status, unicode.IsSpace) < 0
}

func scanInbound(scanner interface{ Scan(dest ...any) error }) (*Inbound, error) {
	var (
		inbound     Inbound
		role        string
		active      int
		linkID      sql.NullInt64
		outboundTag sql.NullString
		lastTest    sql.NullString
		createdRaw  string
	)
	if err := scanner.Scan(&inbound.ID, &role, &active, &inbound.Port, &inbound.Tag, &linkID, &outboundTag,
		&inbound.Status, &lastTest, &createdRaw); err != nil {
		return nil, err
	}
	inbound.Role = InboundRole(role)
	inbound.Active = active != 0
	inbound.LinkID = linkID.Int64
	inbound.OutboundTag = outboundTag.String
	inbound.LastTestAt = timePtr(lastTest)
	if created, err := parseTimeString(createdRaw); err == nil {
		inbound.CreatedAt = created
	}
	return &inbound, nil
}

// HeldEndpoints returns every port and tag currently held by any inbound.
func (tx *Tx) HeldEndpoints(ctx context.Context) (map[int]struct{}, map[string]struct{}, error) {
	rows, err := tx.tx.QueryContext(ctx, `SELECT port, tag FROM inbound`)
	if err != nil {
		return nil, nil, fmt.Errorf("held endpoints: %w", err)
	}
	defer rows.Close()

	ports := make(map[int]struct{})
	tags := make(map[string]struct{})
	for rows.Next() {
		var (
			port int
			tag  string
		)
		if err := rows.Scan(&port, &tag); err != nil {
			return nil, nil, err
		}
		ports[port] = struct{}{}
		tags[tag] = struct{}{}
	}
	return ports, tags, rows.Err()
}

// InsertInbound creates an inbound row. Port and tag collisions surface as
// ErrPortInUse and ErrTagInUse; the transaction stays usable afterwards.
func (tx *Tx) InsertInbound(ctx context.Context, inbound Inbound) (int64, error) {
	if !ValidInboundStatus(inbound.Status) {
		return 0, fmt.Errorf("insert inbound %q: %w", inbound.Status, ErrInvalidStatus)
	}
	if inbound.Role != RolePrimary && inbound.Role != RoleTest {
		return 0, fmt.Errorf("insert inbound: unknown role %q", inbound.Role)
	}
	created := inbound.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := tx.tx.ExecContext(ctx,
		`INSERT INTO inbound (role, is_active, port, tag, link_id, outbound_tag, status, last_test_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inbound.Role), boolToInt(inbound.Active), inbound.Port, inbound.Tag,
		nullableInt64(inbound.LinkID), nullableString(inbound.OutboundTag), inbound.Status,
		nullableTime(inbound.LastTestAt), formatTime(created),
	)
	if err != nil {
		return 0, mapInboundError(inbound, err)
	}
	return res.LastInsertId()
}

func mapInboundError(inbound Inbound, err error) error {
	switch uniqueViolation(err) {
	case "":
	case "inbound.port":
		return fmt.Errorf("port %d: %w", inbound.Port, ErrPortInUse)
	case "inbound.tag":
		return fmt.Errorf("tag %q: %w", inbound.Tag, ErrTagInUse)
	default:
		return fmt.Errorf("insert inbound: %w", err)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("link %d: %w", inbound.LinkID, ErrNotFound)
	}
	if isCheckViolation(err) {
		return fmt.Errorf("insert inbound port %d: %w", inbound.Port, err)
	}
	return fmt.Errorf("insert inbound: %w", err)
}

// DeleteTestInbounds removes every test inbound bound to linkID.
func (tx *Tx) DeleteTestInbounds(ctx context.Context, linkID int64) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM inbound WHERE role = 'test' AND link_id = ?`, linkID)
	if err != nil {
		return 0, fmt.Errorf("delete test inbounds for link %d: %w", linkID, err)
	}
	return res.RowsAffected()
}

// CreateInbound inserts an inbound in its own transaction.
func (s *Store) CreateInbound(ctx context.Context, inbound Inbound) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.InsertInbound(ctx, inbound)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListInbounds returns inbounds ordered by port. An empty role lists all.
func (s *Store) ListInbounds(ctx context.Context, role InboundRole) ([]*Inbound, error) {
	query := `SELECT ` + inboundColumns + ` FROM inbound`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY port`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbounds: %w", err)
	}
	defer rows.Close()

	var inbounds []*Inbound
	for rows.Next() {
		inbound, err := scanInbound(rows)
		if err != nil {
			return nil, err
		}
		inbounds = append(inbounds, inbound)
	}
	return inbounds, rows.Err()
}

// InboundForLink returns the test inbound bound to linkID.
func (s *Store) InboundForLink(ctx context.Context, linkID int64) (*Inbound, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+inboundColumns+` FROM inbound WHERE role = 'test' AND link_id = ? ORDER BY id LIMIT 1`, linkID)
	inbound, err := scanInbound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inbound for link %d: %w", linkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inbound for link: %w", err)
	}
	return inbound, nil
}

// SetInboundStatus replaces the status token of an inbound.
func (s *Store) SetInboundStatus(ctx context.Context, id int64, status string) error {
	if !ValidInboundStatus(status) {
		return fmt.Errorf("set inbound status %q: %w", status, ErrInvalidStatus)
	}
	res, err := s.execWithRetry(ctx, `UPDATE inbound SET status = ?, last_test_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set inbound status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbound %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteInbound removes an inbound by identifier.
func (s *Store) DeleteInbound(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM inbound WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete inbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbound %d: %w", id, ErrNotFound)
	}
	return nil
}
