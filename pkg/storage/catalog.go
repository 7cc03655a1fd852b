package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/auth"
)

// SaveInstrument implements instrument.Store.
func (s *PebbleStore) SaveInstrument(rec instrument.Record) error {
	data, err := encode(rec)
	if err != nil {
		return fmt.Errorf("marshal instrument %s: %w", rec.Instrument.Symbol, err)
	}
	return s.db.Set(instrumentKey(rec.Instrument.Symbol), data, pebble.Sync)
}

// LoadInstruments returns every catalog change made at runtime, delisted
// ones included.
func (s *PebbleStore) LoadInstruments() ([]instrument.Record, error) {
	return scan[instrument.Record](s.db, []byte(prefixInst), false, 0)
}

// SaveKey implements auth.Store.
func (s *PebbleStore) SaveKey(k auth.Key) error {
	data, err := encode(k)
	if err != nil {
		return fmt.Errorf("marshal api key %s: %w", k.KeyID, err)
	}
	return s.db.Set(apiKeyKey(k.KeyID), data, pebble.Sync)
}

func (s *PebbleStore) DeleteKey(keyID string) error {
	return s.db.Delete(apiKeyKey(keyID), pebble.Sync)
}

func (s *PebbleStore) LoadKeys() ([]auth.Key, error) {
	return scan[auth.Key](s.db, []byte(prefixKey), false, 0)
}

// BookSymbols lists every instrument with persisted book state.
func (s *PebbleStore) BookSymbols() ([]string, error) {
	prefix := []byte(prefixMark)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

var (
	_ instrument.Store = (*PebbleStore)(nil)
	_ auth.Store       = (*PebbleStore)(nil)
)
