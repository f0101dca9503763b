package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// inChunk bounds the number of bind variables in one IN (...) clause.
// SQLite builds before 3.32 reject more than 999.
const inChunk = 500

// now returns the store clock. Timestamps are kept in UTC so that sqlite's
// text comparison orders them correctly.
var now = func() time.Time {
	return time.Now().UTC()
}

// selectIn runs query, which must contain one "IN (?)" placeholder bound to
// values, in chunks and appends all rows to dest.
func selectIn[T any, V any](ctx context.Context, db sqlx.ExtContext, query string, values []V) ([]T, error) {
	var out []T
	for start := 0; start < len(values); start += inChunk {
		end := min(start+inChunk, len(values))

		q, qargs, err := sqlx.In(query, values[start:end])
		if err != nil {
			return nil, err
		}

		var part []T
		if err := sqlx.SelectContext(ctx, db, &part, db.Rebind(q), qargs...); err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// execIn runs an IN (?) statement in chunks and returns the total rows affected.
// Extra args are bound before the IN list.
func execIn[V any](ctx context.Context, db sqlx.ExtContext, query string, values []V, leading ...any) (int64, error) {
	var total int64
	for start := 0; start < len(values); start += inChunk {
		end := min(start+inChunk, len(values))

		args := append(append([]any{}, leading...), values[start:end])
		q, qargs, err := sqlx.In(query, args...)
		if err != nil {
			return total, err
		}

		res, err := db.ExecContext(ctx, db.Rebind(q), qargs...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
