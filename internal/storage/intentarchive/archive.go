// Package intentarchive 把进入最终状态的订单意图归档到 SQLite，供事后查询
package intentarchive

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/tradecore/internal/domain"
)

var log = logrus.WithField("component", "intent_archive")

// 定宽 UTC 时间，保证按字符串排序即按时间排序
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound 归档中没有该意图
var ErrNotFound = errors.New("intent not archived")

// Archive SQLite 归档
type Archive struct {
	db *sql.DB
}

// Open 打开（必要时创建）归档库
func Open(path string) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir archive dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接
	db.SetMaxIdleConns(1)

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("🗄️ 意图归档已打开: %s", path)
	return a, nil
}

// Close 关闭数据库
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS order_intents (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  status TEXT NOT NULL,
  exchange_order_id TEXT,
  channel TEXT,
  reason TEXT,
  created_at TEXT NOT NULL,
  terminal_at TEXT NOT NULL,
  payload TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_terminal_at ON order_intents(terminal_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_symbol ON order_intents(symbol, terminal_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

// Archive 写入最终状态的意图；同一 id 重复写入覆盖旧记录
func (a *Archive) Archive(ctx context.Context, intent *domain.OrderIntent) error {
	if !intent.Status.IsTerminal() {
		return &domain.ValidationError{Field: "status", Reason: "only terminal intents are archived: " + string(intent.Status)}
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal intent")
	}
	_, err = a.db.ExecContext(ctx, `
INSERT OR REPLACE INTO order_intents (id, symbol, side, status, exchange_order_id, channel, reason, created_at, terminal_at, payload)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, intent.ID, intent.Symbol, string(intent.Side), string(intent.Status), nullString(intent.ExchangeOrderID),
		nullString(string(intent.ChannelUsed)), nullString(intent.Reason),
		intent.CreatedAt.UTC().Format(tsLayout), intent.TerminalAt.UTC().Format(tsLayout), string(payload))
	if err != nil {
		return errors.Wrapf(err, "archive intent %s", intent.ID)
	}
	return nil
}

// Get 按 id 读取归档
func (a *Archive) Get(ctx context.Context, id string) (*domain.OrderIntent, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `SELECT payload FROM order_intents WHERE id=?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithMessage(ErrNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get intent %s", id)
	}
	return decode(payload)
}

// Recent 按最终时间倒序返回最近的归档；symbol 为空时不过滤
func (a *Archive) Recent(ctx context.Context, symbol string, limit int) ([]*domain.OrderIntent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if symbol == "" {
		rows, err = a.db.QueryContext(ctx, `
SELECT payload FROM order_intents
ORDER BY terminal_at DESC
LIMIT ?
`, limit)
	} else {
		rows, err = a.db.QueryContext(ctx, `
SELECT payload FROM order_intents
WHERE symbol=?
ORDER BY terminal_at DESC
LIMIT ?
`, symbol, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list intents")
	}
	defer rows.Close()

	var out []*domain.OrderIntent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		it, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Prune 删除最终时间早于 before 的归档，返回删除条数
func (a *Archive) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM order_intents WHERE terminal_at < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, errors.Wrap(err, "prune intents")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Infof("🧹 清理 %d 条过期归档 (before=%s)", n, before.Format(time.RFC3339))
	}
	return n, nil
}

func decode(payload string) (*domain.OrderIntent, error) {
	var it domain.OrderIntent
	if err := json.Unmarshal([]byte(payload), &it); err != nil {
		return nil, errors.Wrap(err, "decode archived intent")
	}
	return &it, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
