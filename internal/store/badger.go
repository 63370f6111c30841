package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/utils"
)

// Key prefixes. Telemetry and event keys embed a zero-padded unix-nano
// timestamp so prefix scans come back in chronological order.
const (
	prefixSample  = "sample/"
	prefixEvent   = "event/"
	prefixDiag    = "diag/"
	prefixExec    = "exec/"
	prefixBreaker = "breaker/"
	prefixAlert   = "alert/"
)

// BadgerStore implements Gateway on an embedded Badger database. Samples and
// error events carry a TTL equal to the retention horizon; decision records
// (diagnoses, executions, alerts, breaker rows) are kept.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// Options configures OpenBadger.
type Options struct {
	Path      string
	InMemory  bool
	Retention time.Duration
	Logger    *slog.Logger
}

type badgerLogger struct{ logger *slog.Logger }

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (or creates) the store. InMemory mode keeps everything in
// RAM and is what the tests use.
func OpenBadger(opts Options) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("store path required for persistent mode")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, utils.NewAppError("store.open", "create store directory "+opts.Path, err)
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{logger: opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, utils.NewAppError("store.open", "open database", err)
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error { return s.db.Close() }

func timeKey(prefix string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, ts.UnixNano(), id))
}

func (s *BadgerStore) setJSON(key []byte, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) getJSON(key []byte, out interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	return err
}

func (s *BadgerStore) scanJSON(prefix string, decode func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				return decode(append([]byte(nil), val...))
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// SavePoolSample appends a telemetry snapshot with the retention TTL.
func (s *BadgerStore) SavePoolSample(_ context.Context, sample models.PoolTelemetry) error {
	key := timeKey(prefixSample, sample.CapturedAt, "")
	return s.setJSON(key, sample, s.retention)
}

// SaveErrorEvent appends an error event with the retention TTL.
func (s *BadgerStore) SaveErrorEvent(_ context.Context, event models.ErrorEvent) error {
	key := timeKey(prefixEvent, event.OccurredAt, event.ID)
	return s.setJSON(key, event, s.retention)
}

// SaveDiagnosis appends a diagnosis record.
func (s *BadgerStore) SaveDiagnosis(_ context.Context, diag models.Diagnosis) error {
	key := timeKey(prefixDiag, diag.Timestamp, diag.ID)
	return s.setJSON(key, diag, 0)
}

// RecentDiagnoses returns diagnoses at or after since, oldest first.
func (s *BadgerStore) RecentDiagnoses(_ context.Context, since time.Time) ([]models.Diagnosis, error) {
	var out []models.Diagnosis
	err := s.scanJSON(prefixDiag, func(val []byte) error {
		var diag models.Diagnosis
		if err := json.Unmarshal(val, &diag); err != nil {
			return err
		}
		if !diag.Timestamp.Before(since) {
			out = append(out, diag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveExecution upserts the execution record keyed by ID.
func (s *BadgerStore) SaveExecution(_ context.Context, exec models.RecoveryExecution) error {
	return s.setJSON([]byte(prefixExec+exec.ID), exec, 0)
}

// Execution fetches one execution record.
func (s *BadgerStore) Execution(_ context.Context, id string) (*models.RecoveryExecution, error) {
	var exec models.RecoveryExecution
	if err := s.getJSON([]byte(prefixExec+id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// SaveBreakerState upserts the per-component breaker row.
func (s *BadgerStore) SaveBreakerState(_ context.Context, state models.CircuitBreakerState) error {
	return s.setJSON([]byte(prefixBreaker+state.Component), state, 0)
}

// LoadBreakerStates returns every breaker row, sorted by component for
// deterministic iteration.
func (s *BadgerStore) LoadBreakerStates(_ context.Context) ([]models.CircuitBreakerState, error) {
	var out []models.CircuitBreakerState
	err := s.scanJSON(prefixBreaker, func(val []byte) error {
		var state models.CircuitBreakerState
		if err := json.Unmarshal(val, &state); err != nil {
			return err
		}
		out = append(out, state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out, nil
}

// SaveAlert upserts the alert keyed by ID.
func (s *BadgerStore) SaveAlert(_ context.Context, alert models.Alert) error {
	return s.setJSON([]byte(prefixAlert+alert.ID), alert, 0)
}

// Alert fetches one alert.
func (s *BadgerStore) Alert(_ context.Context, id string) (*models.Alert, error) {
	var alert models.Alert
	if err := s.getJSON([]byte(prefixAlert+id), &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// UnresolvedAlerts returns open alerts created at or after since, oldest first.
func (s *BadgerStore) UnresolvedAlerts(_ context.Context, since time.Time) ([]models.Alert, error) {
	var out []models.Alert
	err := s.scanJSON(prefixAlert, func(val []byte) error {
		var alert models.Alert
		if err := json.Unmarshal(val, &alert); err != nil {
			return err
		}
		if !alert.Resolved() && !alert.CreatedAt.Before(since) {
			out = append(out, alert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
