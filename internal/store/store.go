// Package store persists per-component record sets: one file per record in a
// directory, or rows in a shared sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Record: one persisted unit (id + JSON body).
type Record struct {
	ID   string
	Body []byte
}

// Bucket: record set owned by exactly one component (ledger, spool).
// Put overwrites by id; Delete of a missing id is not an error.
type Bucket interface {
	Put(id string, body []byte) error
	Delete(id string) error
	Load() ([]Record, error)
}

var ErrEmptyID = errors.New("empty record id")

// DB wraps sqlite (record buckets).
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			bucket TEXT NOT NULL,
			id TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (bucket, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_bucket ON records(bucket);
	`)
	return err
}

// Bucket returns the named record set (e.g. "rx", "spool").
func (db *DB) Bucket(name string) Bucket {
	return &dbBucket{db: db, name: name}
}

type dbBucket struct {
	db   *DB
	name string
}

func (b *dbBucket) Put(id string, body []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	_, err := b.db.Exec("INSERT OR REPLACE INTO records (bucket, id, body) VALUES (?, ?, ?)", b.name, id, body)
	return err
}

func (b *dbBucket) Delete(id string) error {
	_, err := b.db.Exec("DELETE FROM records WHERE bucket = ? AND id = ?", b.name, id)
	return err
}

// Load reads all rows before returning so callers may Delete while iterating.
func (b *dbBucket) Load() ([]Record, error) {
	rows, err := b.db.Query("SELECT id, body FROM records WHERE bucket = ?", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Body); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", b.name, err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// Count returns rows in bucket (health/tests).
func (db *DB) Count(bucket string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM records WHERE bucket = ?", bucket).Scan(&n)
	return n, err
}
