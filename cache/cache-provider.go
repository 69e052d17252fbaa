package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Storage is a collection of named stores.
// Stores are versioned by name only: the storage never inspects their contents.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	// Opening an existing store is a no-op.
	Open(ctx context.Context, name string) (Store, error)
	// Names returns the names of all existing stores, sorted.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and every entry in it.
	// The boolean reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Store maps request keys to serialized responses.
// There is at most one entry per key; writes overwrite.
type Store interface {
	// Match returns the entry for the given key.
	// A missing entry is reported with a false boolean, never with an error.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under its key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all of the entries, or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all entries in the store, sorted.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m MemStorage) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		s = &memStore{
			mutex:   &sync.RWMutex{},
			entries: make(map[string]Entry),
		}
		m.stores[name] = s
	}
	return s, nil
}

func (m MemStorage) Names(context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m MemStorage) Close() error {
	return nil
}

// memStore handles stay usable after their store is deleted,
// but their entries are no longer reachable through the storage.
type memStore struct {
	mutex   *sync.RWMutex
	entries map[string]Entry
}

func (s *memStore) Match(_ context.Context, key string) (Entry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *memStore) Put(_ context.Context, entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *memStore) PutAll(_ context.Context, entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, entry := range entries {
		s.entries[entry.Key] = entry
	}
	return nil
}

func (s *memStore) Keys(context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var memoryDBs atomic.Int64

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened; every call gets its own.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)",
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("prepare sqlite schema: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return sqliteStore{storage: s, name: name}, nil
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	storage SQLiteStorage
	name    string
}

func (s sqliteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	entry := Entry{Key: key}
	err := s.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?", s.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s sqliteStore) Put(ctx context.Context, entry Entry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		s.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes)
	return err
}

func (s sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	tx, err := s.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			s.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.storage.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
