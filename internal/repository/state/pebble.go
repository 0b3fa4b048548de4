package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/abota/internal/domain/boot"
)

// Repository defines persistence operations for update records.
type Repository interface {
	// Load returns the most recent record.
	Load(ctx context.Context) (*boot.UpdateRecord, error)
	// Save stores record as the most recent one and appends it to the history.
	Save(ctx context.Context, record *boot.UpdateRecord) error
	// CurrentArtifact returns the name of the last committed artifact.
	CurrentArtifact(ctx context.Context) (string, error)
	// History returns up to limit records, newest first.
	History(ctx context.Context, limit int) ([]*boot.UpdateRecord, error)
	// Close releases the database.
	Close() error
}

const (
	// historyLimit is the number of records kept in the history.
	historyLimit = 64
	// cacheSize is the pebble block cache size; the database holds a handful of keys.
	cacheSize = 1 << 20
)

//nolint:gochecknoglobals // Fixed key layout.
var (
	keyLast          = []byte("update/last")
	keyArtifact      = []byte("artifact/current")
	keyHistoryPrefix = []byte("update/history/")
)

// ErrNotFound is returned when nothing has been recorded yet.
var ErrNotFound = errors.New("state not found")

// PebbleRepository persists update records in a pebble database.
type PebbleRepository struct {
	// db is the underlying database.
	db *pebble.DB
	// mu serializes history trimming with writes.
	mu sync.Mutex
}

// OpenPebble opens or creates the database in dir.
func OpenPebble(dir string) (*PebbleRepository, error) {
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		Cache:  cache,
		Logger: quietLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dir, err)
	}

	return &PebbleRepository{db: db}, nil
}

// Load reads the most recent record.
func (r *PebbleRepository) Load(_ context.Context) (*boot.UpdateRecord, error) {
	data, err := r.get(keyLast)
	if err != nil {
		return nil, err
	}

	var record boot.UpdateRecord
	if err = yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode update record: %w", err)
	}

	return &record, nil
}

// Save stores the record, its history entry and, for commits, the current
// artifact name in one synced batch.
func (r *PebbleRepository) Save(_ context.Context, record *boot.UpdateRecord) error {
	if record == nil {
		return errors.New("update record is not set")
	}

	record = record.Clone()
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode update record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()

	if err = batch.Set(keyLast, data, nil); err != nil {
		return err
	}

	if err = batch.Set(historyKey(record.Timestamp), data, nil); err != nil {
		return err
	}

	if record.Phase == boot.PhaseCommitted {
		if err = batch.Set(keyArtifact, []byte(record.ArtifactName), nil); err != nil {
			return err
		}
	}

	if err = batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("write update record: %w", err)
	}

	return r.trimHistory()
}

// CurrentArtifact returns the name of the last committed artifact.
func (r *PebbleRepository) CurrentArtifact(_ context.Context) (string, error) {
	data, err := r.get(keyArtifact)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// History returns up to limit records, newest first.
func (r *PebbleRepository) History(_ context.Context, limit int) ([]*boot.UpdateRecord, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: keyHistoryPrefix,
		UpperBound: prefixUpperBound(keyHistoryPrefix),
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = iter.Close()
	}()

	var records []*boot.UpdateRecord

	for iter.Last(); iter.Valid() && (limit <= 0 || len(records) < limit); iter.Prev() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var record boot.UpdateRecord
		if err = yaml.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("decode history entry %q: %w", iter.Key(), err)
		}

		records = append(records, &record)
	}

	return records, iter.Error()
}

// Close closes the database.
func (r *PebbleRepository) Close() error {
	return r.db.Close()
}

func (r *PebbleRepository) get(key []byte) ([]byte, error) {
	value, closer, err := r.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	defer func() {
		_ = closer.Close()
	}()

	// The value is only valid until closer is closed.
	return append([]byte(nil), value...), nil
}

// trimHistory drops the oldest entries beyond historyLimit.
func (r *PebbleRepository) trimHistory() error {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: keyHistoryPrefix,
		UpperBound: prefixUpperBound(keyHistoryPrefix),
	})
	if err != nil {
		return err
	}

	var (
		kept  int
		limit []byte
	)

	for iter.Last(); iter.Valid(); iter.Prev() {
		kept++
		if kept > historyLimit {
			limit = append([]byte(nil), iter.Key()...)

			break
		}
	}

	if err = iter.Close(); err != nil {
		return err
	}

	if limit == nil {
		return nil
	}

	// DeleteRange excludes its end key, so extend it past the last stale entry.
	return r.db.DeleteRange(keyHistoryPrefix, append(limit, 0), pebble.Sync)
}

// historyKey orders entries by time; big-endian-like fixed width keeps byte order chronological.
func historyKey(ts time.Time) []byte {
	return fmt.Appendf(append([]byte(nil), keyHistoryPrefix...), "%020d", ts.UnixNano())
}

// prefixUpperBound returns the exclusive upper bound of a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// quietLogger drops pebble's informational chatter; the agent logs its own errors.
type quietLogger struct{}

func (quietLogger) Infof(string, ...any)  {}
func (quietLogger) Errorf(string, ...any) {}
func (quietLogger) Fatalf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
