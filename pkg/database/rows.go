package database

import (
	"iter"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Iterate streams the rows of q one model at a time. The iterator owns the
// underlying cursor and closes it when iteration stops.
func Iterate[T any](q *gorm.DB) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		rows, err := q.Rows()
		if err != nil {
			yield(nil, errors.Wrap(err, "failed to query rows"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var item T
			err := q.ScanRows(rows, &item)
			if !yield(&item, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}
