package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roach88/tillsync/internal/remote"
)

// classify maps a pgx error onto the remote taxonomy. Integrity and data
// errors (SQLSTATE classes 22 and 23) are permanent; everything else is
// treated as a transient outage.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %s (%s)", remote.ErrRejected, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("%w: %s (%s)", remote.ErrUnavailable, pgErr.Message, pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}
