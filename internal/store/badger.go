package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"

	"studyflow/internal/domain"
)

const resultPrefix = "task:"

var errBadgerClosed = errors.New("result store is closed")

// Badger keeps task results in an embedded key-value store. It is an
// alternative to the task_result table when results should live outside
// the relational database.
type Badger struct {
	log zerolog.Logger
	db  *badger.DB

	mu       sync.RWMutex
	closed   bool
	cancelGC context.CancelFunc
	gcDone   chan struct{}
}

type resultRecord struct {
	ID             string           `json:"task_id"`
	Kind           domain.Kind      `json:"kind"`
	Status         domain.Status    `json:"status"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty"`
	ProcessingTime float64          `json:"processing_time"`
	CreatedAt      time.Time        `json:"created_at"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`
}

func toRecord(t domain.Task) resultRecord {
	return resultRecord{
		ID:             t.ID,
		Kind:           t.Kind,
		Status:         t.Status,
		Result:         t.Result,
		Error:          t.Error,
		ErrorKind:      t.ErrorKind,
		ProcessingTime: t.ProcessingTime.Seconds(),
		CreatedAt:      t.CreatedAt,
		FinishedAt:     t.FinishedAt,
	}
}

func (r resultRecord) task() domain.Task {
	return domain.Task{
		ID:             r.ID,
		Kind:           r.Kind,
		Status:         r.Status,
		Result:         r.Result,
		Error:          r.Error,
		ErrorKind:      r.ErrorKind,
		ProcessingTime: time.Duration(r.ProcessingTime * float64(time.Second)),
		CreatedAt:      r.CreatedAt,
		FinishedAt:     r.FinishedAt,
	}
}

// OpenBadger opens the store at path. An empty path opens an in-memory store.
func OpenBadger(path string, gcInterval time.Duration, logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 4 << 20
	opts.NumMemtables = 2
	opts.CompactL0OnClose = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}

	b := &Badger{
		log:    logger.With().Str("component", "badger").Logger(),
		db:     db,
		gcDone: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelGC = cancel
	if gcInterval <= 0 || path == "" {
		close(b.gcDone)
	} else {
		go b.valueLogGC(ctx, gcInterval)
	}
	return b, nil
}

func (b *Badger) valueLogGC(ctx context.Context, every time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.7)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				b.log.Warn().Err(err).Msg("value log gc failed")
			}
		}
	}
}

func (b *Badger) put(t domain.Task) error {
	val, err := json.Marshal(toRecord(t))
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(resultPrefix+t.ID), val)
	})
}

func (b *Badger) get(txn *badger.Txn, id string) (resultRecord, error) {
	var rec resultRecord
	item, err := txn.Get([]byte(resultPrefix + id))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
}

func (b *Badger) CreateResult(_ context.Context, t domain.Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBadgerClosed
	}
	t.Status = domain.StatusProcessing
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(resultPrefix + t.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		val, err := json.Marshal(toRecord(t))
		if err != nil {
			return err
		}
		return txn.Set([]byte(resultPrefix+t.ID), val)
	})
}

func (b *Badger) SaveResult(_ context.Context, t domain.Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBadgerClosed
	}
	if err := b.put(t); err != nil {
		return fmt.Errorf("save task result %s: %w", t.ID, err)
	}
	return nil
}

func (b *Badger) LoadResult(_ context.Context, taskID string) (domain.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.Task{}, errBadgerClosed
	}
	var rec resultRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = b.get(txn, taskID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task result %s: %w", taskID, err)
	}
	return rec.task(), nil
}

func (b *Badger) ReconcileOrphans(_ context.Context, reason string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errBadgerClosed
	}

	var orphans []resultRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resultPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec resultRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.Status == domain.StatusProcessing {
				orphans = append(orphans, rec)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan results: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range orphans {
		t := rec.task()
		t.Status = domain.StatusFailed
		t.Error = reason
		t.ErrorKind = domain.ErrorKindShutdown
		t.FinishedAt = now
		if err := b.put(t); err != nil {
			return 0, fmt.Errorf("reconcile %s: %w", t.ID, err)
		}
	}
	return len(orphans), nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancelGC()
	<-b.gcDone
	return b.db.Close()
}
