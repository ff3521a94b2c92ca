package tablesource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
)

const loadBatchSize = 200

// SQLiteSource stores datasets as JSON rows in SQLite and sorts and filters them in SQL.
type SQLiteSource struct {
	db *sql.DB

	mu      sync.RWMutex
	columns map[string]struct{}
}

var _ Source = &SQLiteSource{}

func NewSQLiteSource(dsn string) (*SQLiteSource, error) {
	if dsn == "" {
		return nil, errors.New("sqlite table source: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSource{db: db, columns: map[string]struct{}{}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadColumns(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSource) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grid_rows (
		  dataset TEXT NOT NULL,
		  idx INTEGER NOT NULL,
		  row_json TEXT NOT NULL,
		  PRIMARY KEY (dataset, idx)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite table source: migrate")
		}
	}
	return nil
}

func (s *SQLiteSource) loadColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT je.key FROM grid_rows, json_each(grid_rows.row_json) AS je`)
	if err != nil {
		return errors.Wrap(err, "sqlite table source: query columns")
	}
	defer func() { _ = rows.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		s.columns[col] = struct{}{}
	}
	return rows.Err()
}

// Load replaces a dataset with rows, stored in the given order.
func (s *SQLiteSource) Load(ctx context.Context, dataset string, rows []payload.Row) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite table source: db is nil")
	}
	if dataset == "" {
		return errors.New("sqlite table source: dataset is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite table source: begin")
	}
	defer func() { _ = tx.Rollback() }()

	del, args, err := sq.Delete("grid_rows").Where(sq.Eq{"dataset": dataset}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return errors.Wrap(err, "sqlite table source: clear dataset")
	}

	seen := map[string]struct{}{}
	for lo := 0; lo < len(rows); lo += loadBatchSize {
		hi := lo + loadBatchSize
		if hi > len(rows) {
			hi = len(rows)
		}
		ins := sq.Insert("grid_rows").Columns("dataset", "idx", "row_json")
		for i := lo; i < hi; i++ {
			stored := make(payload.Row, len(rows[i]))
			for k, v := range rows[i] {
				if k == payload.IndexColumn {
					continue
				}
				stored[k] = v
				seen[k] = struct{}{}
			}
			raw, err := json.Marshal(stored)
			if err != nil {
				return errors.Wrapf(err, "sqlite table source: marshal row %d", i)
			}
			ins = ins.Values(dataset, i, string(raw))
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "sqlite table source: insert rows")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite table source: commit")
	}

	s.mu.Lock()
	for k := range seen {
		s.columns[k] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *SQLiteSource) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.columns)+1)
	out = append(out, payload.IndexColumn)
	for k := range s.columns {
		if k != payload.IndexColumn {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Datasets lists the stored dataset names.
func (s *SQLiteSource) Datasets(ctx context.Context) ([]string, error) {
	query, args, err := sq.Select("DISTINCT dataset").From("grid_rows").OrderBy("dataset").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite table source: list datasets")
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteSource) Window(ctx context.Context, q Query) ([]payload.Row, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("sqlite table source: db is nil")
	}
	name := q.Dataset()
	where := sq.And{sq.Eq{"dataset": name}}
	if q.Filter != "" {
		where = append(where, sq.Expr(
			"EXISTS (SELECT 1 FROM json_each(grid_rows.row_json) AS je WHERE je.type = 'text' AND instr(lower(je.value), ?) > 0)",
			strings.ToLower(q.Filter),
		))
	}

	countSQL, countArgs, err := sq.Select("COUNT(*)").From("grid_rows").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "sqlite table source: count rows")
	}
	if total == 0 && q.Filter == "" {
		known, err := s.hasDataset(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		if !known {
			return nil, 0, errors.Wrapf(ErrUnknownDataset, "%q", name)
		}
	}

	start, end := clampRange(q.Start, q.End, total)
	if start >= end {
		return []payload.Row{}, total, nil
	}

	sb := sq.Select("row_json").From("grid_rows").Where(where)
	for _, spec := range q.Sort.Normalize() {
		dir := "ASC"
		if spec.Sort == gridctx.SortDesc {
			dir = "DESC"
		}
		sb = sb.OrderByClause(fmt.Sprintf("json_extract(row_json, ?) %s", dir), jsonPath(spec.ColID))
	}
	sb = sb.OrderBy("idx ASC").Limit(uint64(end - start)).Offset(uint64(start))

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite table source: query window")
	}
	defer func() { _ = rows.Close() }()

	out := make([]payload.Row, 0, end-start)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, err
		}
		row, err := decodeRowJSON([]byte(raw))
		if err != nil {
			return nil, 0, errors.Wrap(err, "sqlite table source: unmarshal row")
		}
		row[payload.IndexColumn] = int64(start + len(out))
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLiteSource) hasDataset(ctx context.Context, name string) (bool, error) {
	query, args, err := sq.Select("1").From("grid_rows").Where(sq.Eq{"dataset": name}).Limit(1).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "sqlite table source: lookup dataset")
	}
	return true, nil
}

func jsonPath(col string) string {
	return `$."` + strings.ReplaceAll(col, `"`, `\"`) + `"`
}

// SQLiteDSNForFile builds a DSN for a file-backed database in WAL mode.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite table source: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
