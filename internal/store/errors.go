package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound reports a missing link or inbound.
	ErrNotFound = errors.New("not found")
	// ErrPortInUse reports that another inbound already holds the port.
	ErrPortInUse = errors.New("inbound port already in use")
	// ErrTagInUse reports that another inbound already holds the tag.
	ErrTagInUse = errors.New("inbound tag already in use")
	// ErrOutboundTagInUse reports a collision on a link's outbound tag.
	ErrOutboundTagInUse = errors.New("outbound tag already in use")
	// ErrInvalidStatus reports an empty or multi-word inbound status token.
	ErrInvalidStatus = errors.New("inbound status must be a single non-empty word")
	// ErrReferenced reports a delete blocked by a foreign key reference.
	ErrReferenced = errors.New("record is still referenced")
)

const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintForeignKey = 787
	sqliteConstraintCheck      = 275
)

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return 0
}

// uniqueViolation returns the "table.column" named by a UNIQUE constraint
// failure, or "" when err is not one.
func uniqueViolation(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	const marker = "UNIQUE constraint failed: "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		code := sqliteCode(err)
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return "unknown"
		}
		return ""
	}
	target := msg[idx+len(marker):]
	if end := strings.IndexAny(target, " ,)"); end >= 0 {
		target = target[:end]
	}
	return target
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqliteConstraintForeignKey || strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqliteConstraintCheck || strings.Contains(err.Error(), "CHECK constraint failed")
}
