package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

const Family = "sql"

var _ adapter.Store = new(SQLStore)

// SQLStore keeps every partition placement in its own table of a SQLite database.
type SQLStore struct {
	id  shared.AdapterId
	db  *sql.DB
	log *logrus.Entry
}

// Open opens or creates the database file at path.
func Open(id shared.AdapterId, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLStore{
		id:  id,
		db:  db,
		log: logging.Component("adapter.sql").WithField("adapter", id),
	}, nil
}

func (s *SQLStore) Id() shared.AdapterId {
	return s.id
}

func (s *SQLStore) Family() string {
	return Family
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) EnsurePartition(ctx context.Context, table *shared.Table, partition shared.PartitionId) error {
	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		cols = append(cols, quote(c))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s", physicalName(table, partition), strings.Join(cols, ", "))
	if len(table.PrimaryKey) > 0 {
		pk := make([]string, 0, len(table.PrimaryKey))
		for _, c := range table.PrimaryKey {
			pk = append(pk, quote(c))
		}
		ddl += fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(pk, ", "))
	}
	ddl += ")"
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLStore) ScanPartition(ctx context.Context, table *shared.Table, partition shared.PartitionId) ([]shared.Row, error) {
	rows, err := s.db.QueryContext(ctx, selectAll(table, partition))
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)
	return scanRows(table, rows)
}

// ReplacePartition deletes the content of target and inserts rows inside tx.
func (s *SQLStore) ReplacePartition(ctx context.Context, tx iface.Transaction, table *shared.Table, target shared.PlacementKey, rows []shared.Row) error {
	sqlTx, err := s.participant(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+physicalName(table, target.PartitionId)); err != nil {
		return err
	}
	stmt := insertSQL(table, target.PartitionId, table.Columns)
	for _, row := range rows {
		args := make([]any, 0, len(table.Columns))
		for _, c := range table.Columns {
			args = append(args, row[c])
		}
		if _, err := sqlTx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

type participant struct {
	tx *sql.Tx
}

func (p *participant) Commit() error {
	return p.tx.Commit()
}

func (p *participant) Rollback() error {
	return p.tx.Rollback()
}

func (s *SQLStore) participant(ctx context.Context, tx iface.Transaction) (*sql.Tx, error) {
	p, err := tx.Participant(fmt.Sprintf("sql/%d", s.id), func() (iface.Participant, error) {
		// the transaction outlives the statement context
		sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, err
		}
		return &participant{tx: sqlTx}, nil
	})
	if err != nil {
		return nil, err
	}
	return p.(*participant).tx, nil
}

func scanRows(table *shared.Table, rows *sql.Rows) ([]shared.Row, error) {
	var result []shared.Row
	for rows.Next() {
		values := make([]any, len(table.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(shared.Row, len(values))
		for i, c := range table.Columns {
			row[c] = shared.NormalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func physicalName(table *shared.Table, partition shared.PartitionId) string {
	return quote(fmt.Sprintf("%s_p%d", table.Name, partition))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func selectAll(table *shared.Table, partition shared.PartitionId) string {
	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		cols = append(cols, quote(c))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), physicalName(table, partition))
	if len(table.PrimaryKey) > 0 {
		pk := make([]string, 0, len(table.PrimaryKey))
		for _, c := range table.PrimaryKey {
			pk = append(pk, quote(c))
		}
		q += " ORDER BY " + strings.Join(pk, ", ")
	}
	return q
}

func insertSQL(table *shared.Table, partition shared.PartitionId, columns []string) string {
	cols := make([]string, 0, len(columns))
	marks := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, quote(c))
		marks = append(marks, "?")
	}
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		physicalName(table, partition), strings.Join(cols, ", "), strings.Join(marks, ", "))
}
