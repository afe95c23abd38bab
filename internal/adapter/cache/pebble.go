package cache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"parley/internal/domain"
)

// PebbleKV implements domain.KV on a local pebble database. It is the
// persistence collaborator behind the message cache: small values, prefix
// scans, no relational queries.
type PebbleKV struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dir.
func Open(dir string, logger *slog.Logger) (*PebbleKV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	logger.Debug("cache opened", "dir", dir)
	return &PebbleKV{db: db, logger: logger}, nil
}

// Get implements domain.KV. A missing key is (nil, false, nil), not an
// error.
func (p *PebbleKV) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, false, fmt.Errorf("pebble get close: %w", err)
	}
	return out, true, nil
}

// Set implements domain.KV. Writes are synced: a crash must not lose a
// pendingRun marker written just before it.
func (p *PebbleKV) Set(key, value []byte) error {
	if err := p.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Delete implements domain.KV. Deleting a missing key is a no-op.
func (p *PebbleKV) Delete(key []byte) error {
	if err := p.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Scan implements domain.KV: fn is invoked for every key with the given
// prefix, in key order. Returning an error from fn stops the scan.
func (p *PebbleKV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("pebble iter value: %w", err)
		}
		k := make([]byte, len(key))
		copy(k, key)
		v := make([]byte, len(value))
		copy(v, value)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Compact implements domain.KV by compacting the full key range.
func (p *PebbleKV) Compact() error {
	if err := p.db.Compact([]byte{0x00}, []byte{0xff}, false); err != nil {
		return fmt.Errorf("pebble compact: %w", err)
	}
	return nil
}

// Close implements domain.KV.
func (p *PebbleKV) Close() error {
	return p.db.Close()
}

var _ domain.KV = (*PebbleKV)(nil)
