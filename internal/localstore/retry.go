package localstore

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"
)

// maxRetries bounds the deadlock retry loop. Exhausting it is reported
// per-row; the cycle carries on.
const maxRetries = 3

// withRetry runs fn, retrying transient lock/deadlock errors with a
// randomized backoff so two agents hammering the same rows do not retry in
// lockstep.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isDeadlock(err) || attempt >= maxRetries {
			return err
		}
		backoff := time.Duration(100+rand.IntN(400)) * time.Millisecond
		a.log.Warn("deadlock detected, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// isDeadlock recognizes SQL Server deadlock victims (1205) and lock
// timeouts (1222), plus the serialization-failure SQLSTATE some layers
// surface instead.
func isDeadlock(err error) bool {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number == 1205 || sqlErr.Number == 1222
	}
	msg := err.Error()
	return strings.Contains(msg, "1205") || strings.Contains(msg, "40001") ||
		strings.Contains(strings.ToLower(msg), "deadlock")
}

// isFKViolation recognizes the referential-integrity error (547) raised
// when an inventory row references a department the local database does
// not have yet.
func isFKViolation(err error) bool {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number == 547
	}
	msg := err.Error()
	return strings.Contains(msg, "547") ||
		strings.Contains(msg, "fkInventoryDepartments") ||
		strings.Contains(strings.ToUpper(msg), "REFERENCE CONSTRAINT")
}
