// Package journal keeps a SQLite record of activation outcomes.
//
// Each process run is a session. Entries are buffered and written in one
// transaction when the batch is full, on Flush, or at exit.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// ErrClosed is returned when the journal has been closed.
var ErrClosed = errors.New("journal is closed")

const tableName = "activation"

// Entry is one activation outcome.
type Entry struct {
	Session string
	Seq     int
	Name    string
	Grp     string
	State   string
	Detail  string
	At      int64
}

// A Journal writes entries into a SQLite database.
type Journal struct {
	*sql.DB

	path      string
	session   string
	batchSize int

	lock    sync.Mutex
	entries []Entry
	closed  bool
}

// Option configures a Journal.
type Option func(j *Journal)

// WithBatchSize sets how many entries are buffered before a write.
func WithBatchSize(n int) Option {
	return func(j *Journal) {
		j.batchSize = n
	}
}

// WithSession sets the session id. By default, a new xid is used.
func WithSession(session string) Option {
	return func(j *Journal) {
		j.session = session
	}
}

// Open opens or creates the journal database. An empty path creates a new
// file in the working directory.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:      path,
		session:   xid.New().String(),
		batchSize: 1000,
	}

	for _, opt := range opts {
		opt(j)
	}

	if j.path == "" {
		j.path = "autoinstr_journal_" + j.session + ".sqlite3"
	}

	db, err := sql.Open("sqlite3", j.path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", j.path, err)
	}

	j.DB = db

	if err := j.createTable(); err != nil {
		db.Close()
		return nil, err
	}

	atexit.Register(func() { _ = j.Flush() })

	return j, nil
}

func (j *Journal) createTable() error {
	fields := strings.Join(structs.Names(Entry{}), ", \n\t")
	createTableSQL := `CREATE TABLE IF NOT EXISTS ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`

	if _, err := j.Exec(createTableSQL); err != nil {
		return fmt.Errorf("journal: creating table: %w", err)
	}

	return nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Session returns the session id of this process.
func (j *Journal) Session() string {
	return j.session
}

// Record buffers an entry. The session and time are filled in when empty.
func (j *Journal) Record(e Entry) error {
	j.lock.Lock()

	if j.closed {
		j.lock.Unlock()
		return ErrClosed
	}

	if e.Session == "" {
		e.Session = j.session
	}

	if e.At == 0 {
		e.At = time.Now().UnixNano()
	}

	j.entries = append(j.entries, e)
	full := len(j.entries) >= j.batchSize
	j.lock.Unlock()

	if full {
		return j.Flush()
	}

	return nil
}

// Flush writes the buffered entries.
func (j *Journal) Flush() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.entries) == 0 || j.closed {
		return nil
	}

	tx, err := j.Begin()
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	placeholders := make([]string, len(structs.Names(Entry{})))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	stmt, err := tx.Prepare("INSERT INTO " + tableName +
		" VALUES (" + strings.Join(placeholders, ", ") + ")")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("journal: %w", err)
	}
	defer stmt.Close()

	for _, e := range j.entries {
		if _, err := stmt.Exec(structs.Values(e)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("journal: inserting %s: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	j.entries = nil

	return nil
}

// Entries reads back the entries of a session in sequence order.
func (j *Journal) Entries(ctx context.Context, session string) ([]Entry, error) {
	rows, err := j.QueryContext(ctx,
		"SELECT "+strings.Join(structs.Names(Entry{}), ", ")+
			" FROM "+tableName+" WHERE Session = ? ORDER BY Seq", session)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}

	for rows.Next() {
		e := Entry{}
		if err := rows.Scan(&e.Session, &e.Seq, &e.Name, &e.Grp,
			&e.State, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close flushes the buffer and closes the database.
func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.closed {
		return nil
	}

	err := j.flushLocked()
	j.closed = true

	return errors.Join(err, j.DB.Close())
}
