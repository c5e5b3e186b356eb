package cache

import (
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	serializer "github.com/always-cache/offline-runtime/pkg/response-serializer"
)

// SQLiteCache persists stores in a single SQLite table.
// Stores survive restarts of the runtime.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	log        zerolog.Logger
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB NOT NULL,
			PRIMARY KEY (store, method, url)
		)`,
		"CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("sqlite cache init: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		log:        log.With().Str("provider", "sqlite").Logger(),
	}, nil
}

func (s SQLiteCache) Get(store string, fp Fingerprint) (Entry, bool) {
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT bytes FROM entries WHERE store = ? AND method = ? AND url = ?",
		store, fp.Method, fp.URL,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false
	} else if err != nil {
		s.log.Error().Err(err).Str("store", store).Str("key", fp.String()).Msg("Could not read from cache")
		return Entry{}, false
	}
	stored, err := serializer.Unmarshal(bytes)
	if err != nil {
		s.log.Error().Err(err).Str("store", store).Str("key", fp.String()).Msg("Corrupted cache entry")
		return Entry{}, false
	}
	return Entry{
		Fingerprint: fp,
		Status:      stored.Status,
		Header:      stored.Header,
		Body:        stored.Body,
		StoredAt:    stored.StoredAt,
	}, true
}

func (s SQLiteCache) Put(store string, e Entry) error {
	bytes, err := serializer.Marshal(serializer.StoredResponse{
		Method:   e.Fingerprint.Method,
		URL:      e.Fingerprint.URL,
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		StoredAt: e.StoredAt,
	})
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", store); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO entries (store, method, url, stored_at, bytes) VALUES (?, ?, ?, ?, ?)",
		store, e.Fingerprint.Method, e.Fingerprint.URL, e.StoredAt.UnixMilli(), bytes,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Delete(store string, fp Fingerprint) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"DELETE FROM entries WHERE store = ? AND method = ? AND url = ?",
		store, fp.Method, fp.URL,
	)
	return err
}

func (s SQLiteCache) Fingerprints(store string) iter.Seq[Fingerprint] {
	snapshot := make([]Fingerprint, 0)
	rows, err := s.db.Query("SELECT method, url FROM entries WHERE store = ?", store)
	if err != nil {
		s.log.Error().Err(err).Str("store", store).Msg("Could not list cache keys")
		return sliceSeq(snapshot)
	}
	defer rows.Close()
	for rows.Next() {
		var fp Fingerprint
		if err := rows.Scan(&fp.Method, &fp.URL); err != nil {
			s.log.Warn().Err(err).Str("store", store).Msg("Could not read cache key")
			continue
		}
		snapshot = append(snapshot, fp)
	}
	return sliceSeq(snapshot)
}

func (s SQLiteCache) DeleteStore(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM stores WHERE name = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
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

func (s SQLiteCache) StoredAt(store string, fp Fingerprint) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(
		"SELECT stored_at FROM entries WHERE store = ? AND method = ? AND url = ?",
		store, fp.Method, fp.URL,
	).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	} else if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
