package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// scan decodes every value under prefix, oldest key first, or newest first
// when reverse is set, stopping after limit values (limit <= 0: no limit).
func scan[T any](db *pebble.DB, prefix []byte, reverse bool, limit int) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	valid := iter.First()
	step := iter.Next
	if reverse {
		valid = iter.Last()
		step = iter.Prev
	}
	for ; valid; valid = step() {
		if limit > 0 && len(out) == limit {
			break
		}
		var v T
		if err := decode(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}
