package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores entries in a local SQLite database. The cache is
// still semantically volatile: entries surviving a restart are simply
// reused until their deadlines pass.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		status INTEGER,
		content_type TEXT,
		body TEXT,
		stored_at INTEGER,
		fresh_until INTEGER,
		stale_until INTEGER)`)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteCache) Get(key string) (Entry, bool, error) {
	var entry Entry
	var storedAt, freshUntil, staleUntil int64
	err := s.db.QueryRow(
		"SELECT status, content_type, body, stored_at, fresh_until, stale_until FROM cache WHERE key = ?", key).
		Scan(&entry.Status, &entry.ContentType, &entry.Body, &storedAt, &freshUntil, &staleUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	entry.FreshUntil = time.UnixMilli(freshUntil)
	entry.StaleUntil = time.UnixMilli(staleUntil)
	if time.Now().After(entry.StaleUntil) {
		s.Purge(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *SQLiteCache) Put(key string, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, status, content_type, body, stored_at, fresh_until, stale_until) VALUES (?, ?, ?, ?, ?, ?, ?)",
		key, entry.Status, entry.ContentType, entry.Body,
		entry.StoredAt.UnixMilli(), entry.FreshUntil.UnixMilli(), entry.StaleUntil.UnixMilli())
	return err
}

func (s *SQLiteCache) Purge(key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM cache WHERE key = ?", key)
}

func (s *SQLiteCache) Len() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count); err != nil {
		return 0
	}
	return count
}
