// Package tracking keeps a sqlite log of delivered episodes, shown by the
// /history command.
package tracking

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alvarorichard/animeworld/internal/util"
)

// IsCgoEnabled indicates whether CGO is enabled for SQLite support
var IsCgoEnabled = true

var (
	ErrCgoDisabled      = errors.New("CGO disabled: sqlite delivery history not available")
	ErrTrackerNotInited = errors.New("delivery log not initialized")
)

/*
────────────────────────────────────────────────────────────────────────────*
│  Configuration                                                              │
*────────────────────────────────────────────────────────────────────────────
*/
const (
	defaultCacheSize  = -8000 // 8MB
	busyTimeout       = 5000  // ms
	walAutoCheckpoint = 1000  // pages
	maxOpenConns      = 4
	maxIdleConns      = 2
	defaultListLimit  = 10
)

/*
────────────────────────────────────────────────────────────────────────────*
│  Types                                                                      │
*────────────────────────────────────────────────────────────────────────────
*/

// Delivery is one episode sent to a user
type Delivery struct {
	UserID      int64
	Anime       string
	Episode     string
	Quality     string
	Route       string
	Size        int64
	DeliveredAt time.Time
}

// DeliveryLog stores deliveries in sqlite
type DeliveryLog struct {
	db       *sql.DB
	insertPS *sql.Stmt
	byUserPS *sql.Stmt
	allPS    *sql.Stmt
	countPS  *sql.Stmt
}

/*
────────────────────────────────────────────────────────────────────────────*
│  Constructor                                                                │
*────────────────────────────────────────────────────────────────────────────
*/

// Open opens (creating if needed) the delivery log at dbPath. It is a
// variable so cgo-less builds can swap in a stub.
var Open = openDeliveryLog

func dsnFor(dbPath string) string {
	params := fmt.Sprintf("_journal_mode=WAL&_synchronous=NORMAL&_wal_autocheckpoint=%d&_busy_timeout=%d&_cache_size=%d",
		walAutoCheckpoint, busyTimeout, defaultCacheSize)

	// sqlite wants forward slashes in URI filenames on Windows
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("file:%s?%s&_mode=rwc", strings.ReplaceAll(dbPath, "\\", "/"), params)
	}
	return fmt.Sprintf("file:%s?%s", dbPath, params)
}

func openDeliveryLog(dbPath string) (*DeliveryLog, error) {
	if !IsCgoEnabled {
		return nil, ErrCgoDisabled
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsnFor(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if err := initializeDatabase(db); err != nil {
		closeQuietly(db)
		return nil, err
	}

	statements, err := prepareStatements(db)
	if err != nil {
		closeQuietly(db)
		return nil, err
	}

	return &DeliveryLog{
		db:       db,
		insertPS: statements.insert,
		byUserPS: statements.byUser,
		allPS:    statements.all,
		countPS:  statements.count,
	}, nil
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		util.Warn("Error closing database", "error", err)
	}
}

/*
────────────────────────────────────────────────────────────────────────────*
│  Schema                                                                     │
*────────────────────────────────────────────────────────────────────────────
*/
func initializeDatabase(db *sql.DB) error {
	schema := `CREATE TABLE IF NOT EXISTS deliveries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      INTEGER NOT NULL,
		anime        TEXT    NOT NULL,
		episode      TEXT    NOT NULL,
		quality      TEXT    NOT NULL,
		route        TEXT    NOT NULL,
		size         INTEGER NOT NULL CHECK(size >= 0),
		delivered_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_deliveries_user
		ON deliveries(user_id, delivered_at DESC)`); err != nil {
		return fmt.Errorf("index creation failed: %w", err)
	}
	return nil
}

type preparedStatements struct {
	insert *sql.Stmt
	byUser *sql.Stmt
	all    *sql.Stmt
	count  *sql.Stmt
}

func prepareStatements(db *sql.DB) (*preparedStatements, error) {
	const columns = `user_id, anime, episode, quality, route, size, delivered_at`

	insert, err := db.Prepare(`INSERT INTO deliveries (` + columns + `) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("insert preparation failed: %w", err)
	}

	byUser, err := db.Prepare(`SELECT ` + columns + ` FROM deliveries
		WHERE user_id = ? ORDER BY delivered_at DESC, id DESC LIMIT ?`)
	if err != nil {
		return nil, fmt.Errorf("by-user preparation failed: %w", err)
	}

	all, err := db.Prepare(`SELECT ` + columns + ` FROM deliveries
		ORDER BY delivered_at DESC, id DESC LIMIT ?`)
	if err != nil {
		return nil, fmt.Errorf("all preparation failed: %w", err)
	}

	count, err := db.Prepare(`SELECT COUNT(*) FROM deliveries`)
	if err != nil {
		return nil, fmt.Errorf("count preparation failed: %w", err)
	}

	return &preparedStatements{insert: insert, byUser: byUser, all: all, count: count}, nil
}

/*
────────────────────────────────────────────────────────────────────────────*
│  Operations                                                                 │
*────────────────────────────────────────────────────────────────────────────
*/

// Record appends a delivery
func (l *DeliveryLog) Record(d Delivery) error {
	if l == nil || l.insertPS == nil {
		return ErrTrackerNotInited
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}
	if d.Size < 0 {
		d.Size = 0
	}

	_, err := l.insertPS.Exec(d.UserID, d.Anime, d.Episode, d.Quality, d.Route, d.Size, d.DeliveredAt.Unix())
	return err
}

// Recent returns the newest deliveries of userID, or of everyone when userID
// is 0.
func (l *DeliveryLog) Recent(userID int64, limit int) ([]Delivery, error) {
	if l == nil || l.byUserPS == nil {
		return nil, ErrTrackerNotInited
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if userID == 0 {
		rows, err = l.allPS.Query(limit)
	} else {
		rows, err = l.byUserPS.Query(userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			util.Warn("Error closing rows", "error", err)
		}
	}()

	list := make([]Delivery, 0, limit)
	for rows.Next() {
		var d Delivery
		var ts int64
		if err := rows.Scan(&d.UserID, &d.Anime, &d.Episode, &d.Quality, &d.Route, &d.Size, &ts); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		d.DeliveredAt = time.Unix(ts, 0)
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return list, nil
}

// Count returns the total number of recorded deliveries
func (l *DeliveryLog) Count() (int, error) {
	if l == nil || l.countPS == nil {
		return 0, ErrTrackerNotInited
	}
	var n int
	err := l.countPS.QueryRow().Scan(&n)
	return n, err
}

/*
────────────────────────────────────────────────────────────────────────────*
│  Shutdown                                                                   │
*────────────────────────────────────────────────────────────────────────────
*/
func (l *DeliveryLog) Close() error {
	if l == nil {
		return nil
	}

	var finalErr error
	for name, stmt := range map[string]*sql.Stmt{
		"insert": l.insertPS, "by-user": l.byUserPS, "all": l.allPS, "count": l.countPS,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			finalErr = fmt.Errorf("%s statement close error: %w", name, err)
		}
	}

	if err := l.db.Close(); err != nil {
		finalErr = fmt.Errorf("database close error: %w", err)
	}
	return finalErr
}

// HandleTrackingNotice logs whether delivery history is available
func HandleTrackingNotice() {
	if !IsCgoEnabled {
		util.Warn("Delivery history disabled (CGO not available); /history will be empty")
	}
}
