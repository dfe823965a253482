package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Store hands out the per-kind mapping stores backed by one database.
type Store interface {
	Mappings(kind models.Kind) Mappings
	Close() error
}

// BadgerStore implements Store with Badger DB. Each record is stored once
// under its sync key; the local and upstream ids are secondary index keys
// whose value is the sync key.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20) // records are tiny
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Mappings(kind models.Kind) Mappings {
	return &badgerMappings{db: s.db, kind: kind, now: func() time.Time { return time.Now().UTC() }}
}

type badgerMappings struct {
	db   *badger.DB
	kind models.Kind
	now  func() time.Time
}

func (m *badgerMappings) Kind() models.Kind { return m.kind }

func (m *badgerMappings) recordKey(key string) []byte {
	return []byte("mapping:" + string(m.kind) + ":key:" + key)
}

func (m *badgerMappings) indexKey(side models.Side, id string) []byte {
	return []byte("mapping:" + string(m.kind) + ":" + side.String() + ":" + id)
}

func (m *badgerMappings) recordPrefix() []byte {
	return []byte("mapping:" + string(m.kind) + ":key:")
}

func (m *badgerMappings) GetByLocalID(ctx context.Context, id string) (*MappingRecord, error) {
	return m.getByIndex(models.Local, id)
}

func (m *badgerMappings) GetByUpstreamID(ctx context.Context, id string) (*MappingRecord, error) {
	return m.getByIndex(models.Upstream, id)
}

func (m *badgerMappings) getByIndex(side models.Side, id string) (*MappingRecord, error) {
	if id == "" {
		return nil, nil
	}
	var rec *MappingRecord
	err := m.db.View(func(txn *badger.Txn) error {
		key, err := readString(txn, m.indexKey(side, id))
		if err != nil || key == "" {
			return err
		}
		rec, err = m.read(txn, key)
		return err
	})
	return rec, err
}

func (m *badgerMappings) GetBySyncKey(ctx context.Context, key string) (*MappingRecord, error) {
	var rec *MappingRecord
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = m.read(txn, key)
		return err
	})
	return rec, err
}

func (m *badgerMappings) Create(ctx context.Context, key string, side models.Side, id string, state State) (*MappingRecord, error) {
	if key == "" {
		return nil, syncerr.New(syncerr.InvalidState, "create mapping", "%s: empty sync key", m.kind)
	}
	var out *MappingRecord
	err := m.update(func(txn *badger.Txn) error {
		existing, err := m.read(txn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			return syncerr.New(syncerr.AlreadyMapped, "create mapping", "%s: sync key %q", m.kind, key)
		}
		now := m.now()
		rec := &MappingRecord{SyncKey: key, State: state, CreatedAt: now, UpdatedAt: now}
		if err := m.setIndex(txn, rec, side, id); err != nil {
			return err
		}
		out = rec
		return m.write(txn, rec)
	})
	return out, err
}

func (m *badgerMappings) SetLocalID(ctx context.Context, key, id string) (*MappingRecord, error) {
	return m.mutate(key, func(txn *badger.Txn, rec *MappingRecord) error {
		return m.setIndex(txn, rec, models.Local, id)
	})
}

func (m *badgerMappings) SetUpstreamID(ctx context.Context, key, id string) (*MappingRecord, error) {
	return m.mutate(key, func(txn *badger.Txn, rec *MappingRecord) error {
		return m.setIndex(txn, rec, models.Upstream, id)
	})
}

func (m *badgerMappings) SetState(ctx context.Context, key string, state State) (*MappingRecord, error) {
	return m.mutate(key, func(_ *badger.Txn, rec *MappingRecord) error {
		rec.State = state
		return nil
	})
}

func (m *badgerMappings) SetUpdateData(ctx context.Context, key, digest string) (*MappingRecord, error) {
	return m.mutate(key, func(_ *badger.Txn, rec *MappingRecord) error {
		rec.UpdateDigest = digest
		return nil
	})
}

func (m *badgerMappings) Delete(ctx context.Context, key string) error {
	return m.update(func(txn *badger.Txn) error {
		rec, err := m.read(txn, key)
		if err != nil || rec == nil {
			return err
		}
		for _, side := range []models.Side{models.Local, models.Upstream} {
			if id := rec.ID(side); id != "" {
				if err := txn.Delete(m.indexKey(side, id)); err != nil {
					return err
				}
			}
		}
		return txn.Delete(m.recordKey(key))
	})
}

func (m *badgerMappings) List(ctx context.Context) ([]*MappingRecord, error) {
	return m.scan(func(*MappingRecord) bool { return true })
}

func (m *badgerMappings) ListByState(ctx context.Context, state State) ([]*MappingRecord, error) {
	return m.scan(func(r *MappingRecord) bool { return r.State == state })
}

func (m *badgerMappings) FixIncorrectState(ctx context.Context) (int, error) {
	stale, err := m.scan(func(r *MappingRecord) bool {
		return r.State == StateDeleting && r.LocalID != "" && r.UpstreamID != ""
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		if _, err := m.SetState(ctx, r.SyncKey, StateActive); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (m *badgerMappings) scan(keep func(*MappingRecord) bool) ([]*MappingRecord, error) {
	var out []*MappingRecord
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = m.recordPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec MappingRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if keep(&rec) {
				out = append(out, &rec)
			}
		}
		return nil
	})
	return out, err
}

// mutate applies fn to an existing record. A missing record is Gone.
func (m *badgerMappings) mutate(key string, fn func(*badger.Txn, *MappingRecord) error) (*MappingRecord, error) {
	var out *MappingRecord
	err := m.update(func(txn *badger.Txn) error {
		rec, err := m.read(txn, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return syncerr.New(syncerr.Gone, "update mapping", "%s: sync key %q", m.kind, key)
		}
		if err := fn(txn, rec); err != nil {
			return err
		}
		rec.UpdatedAt = m.now()
		out = rec
		return m.write(txn, rec)
	})
	return out, err
}

// setIndex moves the side's index entry from the record's old id to id.
func (m *badgerMappings) setIndex(txn *badger.Txn, rec *MappingRecord, side models.Side, id string) error {
	old := rec.ID(side)
	if old == id {
		return nil
	}
	if id != "" {
		owner, err := readString(txn, m.indexKey(side, id))
		if err != nil {
			return err
		}
		if owner != "" && owner != rec.SyncKey {
			return syncerr.New(syncerr.AlreadyMapped, "set id", "%s: %s id %s already mapped to %q", m.kind, side, id, owner)
		}
		if err := txn.Set(m.indexKey(side, id), []byte(rec.SyncKey)); err != nil {
			return err
		}
	}
	if old != "" {
		if err := txn.Delete(m.indexKey(side, old)); err != nil {
			return err
		}
	}
	if side == models.Upstream {
		rec.UpstreamID = id
	} else {
		rec.LocalID = id
	}
	return nil
}

func (m *badgerMappings) read(txn *badger.Txn, key string) (*MappingRecord, error) {
	item, err := txn.Get(m.recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec MappingRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *badgerMappings) write(txn *badger.Txn, rec *MappingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(m.recordKey(rec.SyncKey), data)
}

// update retries transactions that lost a conflict with a concurrent writer.
func (m *badgerMappings) update(fn func(*badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = m.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}
