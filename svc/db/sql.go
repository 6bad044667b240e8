package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cipherbin/pkg/domain"
	"cipherbin/svc/db/migrations"
	"cipherbin/svc/util"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// SQL keeps one row per paste, comment and config entry. The full record is
// stored as JSON in a binary column; expiredate and postdate are copied out
// for indexed sweeps and ordering.
type SQL struct {
	db            *sql.DB
	driver        string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	now           func() time.Time
}

func (s *SQL) DB() *sql.DB {
	return s.db
}

func (s *SQL) Driver() string {
	return s.driver
}

func NewSQL(ctx context.Context, c SQLConfig) (*SQL, error) {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		return nil, errors.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQL{
		db:           db,
		driver:       c.Driver,
		queryTimeout: c.QueryTimeout,
		now:          time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) { util.Error().Msgf(format, v...) }
func (gooseLogger) Printf(format string, v ...interface{}) {
	util.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (s *SQL) migrate(ctx context.Context) error {
	dialect := "postgres"
	if s.driver == DriverSQLite {
		dialect = "sqlite3"
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000", "PRAGMA synchronous=FULL"} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return errors.Wrap(err, pragma)
			}
		}
	}
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	return goose.UpContext(ctx, s.db, dialect)
}

func (s *SQL) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQL) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		util.Error().Err(err).Int32("failures", failures).Msg("database circuit breaker opened")
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Code == "23505"
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// drainLOB normalises whatever the driver hands back for a binary column.
// Some drivers return a stream for large objects; it is read to the end.
func drainLOB(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case io.Reader:
		b, err := io.ReadAll(t)
		if c, ok := t.(io.Closer); ok {
			c.Close()
		}
		return b, errors.Wrap(err, "drain lob")
	default:
		return nil, errors.Errorf("unexpected lob type %T", v)
	}
}

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, s.rebind(q), args...)
	s.recordError(err)
	return res, err
}

func (s *SQL) queryRow(ctx context.Context, q string, args []any, dest ...any) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.QueryRowContext(queryCtx, s.rebind(q), args...).Scan(dest...)
	s.recordError(err)
	return err
}

func (s *SQL) Create(ctx context.Context, id string, p *domain.Paste) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	_, err = s.exec(ctx, `INSERT INTO paste (dataid, data, expiredate) VALUES (?, ?, ?)`, id, data, p.Meta.ExpireDate)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return errors.Wrap(err, "db create")
}

func (s *SQL) Read(ctx context.Context, id string) (*domain.Paste, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *SQL) load(ctx context.Context, id string) (*domain.Paste, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	var raw any
	err := s.queryRow(ctx, `SELECT data FROM paste WHERE dataid = ?`, []any{id}, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db read")
	}
	data, err := drainLOB(raw)
	if err != nil {
		return nil, err
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode paste")
	}
	return domain.UpgradeLegacy(&p), nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(queryCtx, s.rebind(`DELETE FROM comment WHERE pasteid = ?`), id); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "delete comments")
	}
	if _, err := tx.ExecContext(queryCtx, s.rebind(`DELETE FROM paste WHERE dataid = ?`), id); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "delete paste")
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit delete")
}

func (s *SQL) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM paste WHERE dataid = ?`, []any{id}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}

func (s *SQL) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	if !validCommentKey(pasteID, parentID, commentID) {
		return ErrInvalidID
	}
	data, err := json.Marshal(c.Payload())
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	_, err = s.exec(ctx,
		`INSERT INTO comment (dataid, pasteid, parentid, data, postdate) VALUES (?, ?, ?, ?, ?)`,
		commentID, pasteID, parentID, data, c.Created())
	if isUniqueViolation(err) {
		return ErrExists
	}
	return errors.Wrap(err, "db create comment")
}

func (s *SQL) ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error) {
	if !ValidID(pasteID) {
		return nil, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		s.rebind(`SELECT dataid, parentid, data FROM comment WHERE pasteid = ? ORDER BY postdate ASC, dataid ASC`), pasteID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db read comments")
	}
	defer rows.Close()
	var comments []domain.Comment
	for rows.Next() {
		var id, parent string
		var raw any
		if err := rows.Scan(&id, &parent, &raw); err != nil {
			return nil, errors.Wrap(err, "scan comment")
		}
		data, err := drainLOB(raw)
		if err != nil {
			return nil, err
		}
		var c domain.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errors.Wrap(err, "decode comment")
		}
		c.ID = strings.TrimSpace(id)
		c.ParentID = strings.TrimSpace(parent)
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate comments")
	}
	return orderComments(comments), nil
}

func (s *SQL) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	if !validCommentKey(pasteID, parentID, commentID) {
		return false, nil
	}
	var one int
	err := s.queryRow(ctx,
		`SELECT 1 FROM comment WHERE pasteid = ? AND parentid = ? AND dataid = ?`,
		[]any{pasteID, parentID, commentID}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "comment exists check failed")
	}
	return true, nil
}

func (s *SQL) GetAllPasteIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT dataid FROM paste ORDER BY dataid`)
}

// PurgeExpired uses the expiredate index instead of sampling every id.
func (s *SQL) PurgeExpired(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	ids, err := s.ids(ctx, `SELECT dataid FROM paste WHERE expiredate > 0 AND expiredate < ? LIMIT ?`, s.now().Unix(), batchSize)
	if err != nil {
		return nil, err
	}
	return purgeIDs(ctx, ids, s.Delete), nil
}

func (s *SQL) ids(ctx context.Context, q string, args ...any) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, s.rebind(q), args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	return ids, errors.Wrap(rows.Err(), "iterate ids")
}

func (s *SQL) SetValue(ctx context.Context, value, namespace, key string) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	_, err := s.exec(ctx,
		`INSERT INTO config (namespace, ckey, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, ckey) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return errors.Wrap(err, "db set value")
}

func (s *SQL) GetValue(ctx context.Context, namespace, key string) (string, error) {
	if !validNamespace(namespace) {
		return "", ErrInvalidNamespace
	}
	var v string
	err := s.queryRow(ctx, `SELECT value FROM config WHERE namespace = ? AND ckey = ?`, []any{namespace, key}, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "db get value")
	}
	return v, nil
}

func (s *SQL) PurgeValues(ctx context.Context, namespace string, cutoff int64) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	if namespace == NamespaceSalt {
		return nil
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, s.rebind(`SELECT ckey, value FROM config WHERE namespace = ?`), namespace)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db list values")
	}
	var stale []string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan value")
		}
		if n, ok := parseUnix(v); ok && n < cutoff {
			stale = append(stale, k)
		}
	}
	rows.Close()
	for _, k := range stale {
		if _, err := s.exec(ctx, `DELETE FROM config WHERE namespace = ? AND ckey = ?`, namespace, k); err != nil {
			return errors.Wrap(err, "db purge value")
		}
	}
	return nil
}

// Name is the database/sql driver, sqlite3 or pgx.
func (s *SQL) Name() string { return s.driver }

func (s *SQL) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
