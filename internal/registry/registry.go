// Package registry — SQLite-реестр шлюза: привязки чатов к аккаунтам,
// журнал операций, журнал failover-переключений и очередь неудачных запросов.
//
// Одно соединение на процесс (WAL + busy_timeout), все записи сериализуются
// на стороне database/sql, поэтому реестр безопасен для конкурентных вызовов.
package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"

	// Драйвер SQLite без cgo.
	_ "modernc.org/sqlite"

	"telegram-gateway/internal/infra/logger"
)

// Assignment — строка chat_assignments: какому аккаунту принадлежит чат.
type Assignment struct {
	ChatID      string  `json:"chat_id"`
	AccountName string  `json:"account_name"`
	Title       string  `json:"title"`
	InviteLink  string  `json:"invite_link"`
	CreatedAt   float64 `json:"created_at"`
	Status      string  `json:"status"`
}

// Operation — строка operations_log.
type Operation struct {
	ID          int64   `json:"id"`
	TS          float64 `json:"ts"`
	AccountName string  `json:"account_name"`
	ChatID      string  `json:"chat_id"`
	Operation   string  `json:"operation"`
	Status      string  `json:"status"`
	Detail      string  `json:"detail"`
}

// Failover — строка failover_log: переключение чата с аккаунта на аккаунт.
type Failover struct {
	ID          int64   `json:"id"`
	TS          float64 `json:"ts"`
	ChatID      string  `json:"chat_id"`
	FromAccount string  `json:"from_account"`
	ToAccount   string  `json:"to_account"`
	Reason      string  `json:"reason"`
}

// FailedRequest — строка failed_requests. RequestPayload хранится как JSON-текст
// входного запроса, чтобы его можно было повторить без потерь.
type FailedRequest struct {
	ID             int64   `json:"id"`
	TS             float64 `json:"ts"`
	Service        string  `json:"service"`
	Direction      string  `json:"direction"`
	Endpoint       string  `json:"endpoint"`
	RequestPayload string  `json:"request_payload"`
	Error          string  `json:"error"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	LastRetryTS    float64 `json:"last_retry_ts"`
	LastRetryError string  `json:"last_retry_error"`
}

// Stats — агрегаты для дашборда.
type Stats struct {
	ActiveChats     int `json:"active_chats"`
	TotalOperations int `json:"total_operations"`
	TotalErrors     int `json:"total_errors"`
	TotalFailovers  int `json:"total_failovers"`
}

// DayStats — счётчики операций одного аккаунта за последние сутки.
type DayStats struct {
	Operations int `json:"operations"`
	Errors     int `json:"errors"`
}

// titleChunk — размер чанка для IN-запросов: SQLite ограничивает число
// связываемых параметров.
const titleChunk = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_assignments (
		chat_id       TEXT PRIMARY KEY,
		account_name  TEXT NOT NULL,
		title         TEXT DEFAULT '',
		invite_link   TEXT DEFAULT '',
		created_at    REAL NOT NULL,
		status        TEXT DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS operations_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ts            REAL NOT NULL,
		account_name  TEXT NOT NULL,
		chat_id       TEXT DEFAULT '',
		operation     TEXT NOT NULL,
		status        TEXT NOT NULL,
		detail        TEXT DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS failover_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ts            REAL NOT NULL,
		chat_id       TEXT DEFAULT '',
		from_account  TEXT NOT NULL,
		to_account    TEXT NOT NULL,
		reason        TEXT DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS failed_requests (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		ts              REAL NOT NULL,
		service         TEXT NOT NULL,
		direction       TEXT NOT NULL DEFAULT 'inbound',
		endpoint        TEXT DEFAULT '',
		request_payload TEXT NOT NULL DEFAULT '{}',
		error           TEXT DEFAULT '',
		status          TEXT DEFAULT 'pending',
		retry_count     INTEGER DEFAULT 0,
		last_retry_ts   REAL DEFAULT 0,
		last_retry_error TEXT DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ops_ts ON operations_log(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_ops_chat ON operations_log(chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_fo_ts ON failover_log(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_assign_account ON chat_assignments(account_name)`,
	`CREATE INDEX IF NOT EXISTS idx_ops_account ON operations_log(account_name)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_ts ON failed_requests(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_status ON failed_requests(status)`,
}

// Registry — потокобезопасный реестр поверх одного файла SQLite.
type Registry struct {
	db *sql.DB
}

// Open открывает (и при необходимости инициализирует) реестр по пути к файлу.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "open registry db")
	}

	// WAL снимает блокировки читателей, а единственное соединение на запись
	// избавляет от SQLITE_BUSY между собственными горутинами.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "init registry schema")
		}
	}
	return nil
}

// Close закрывает соединение с базой.
func (r *Registry) Close() error {
	return r.db.Close()
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// === Chat assignments ========================================================

// Assign записывает (или перезаписывает) привязку чата к аккаунту.
func (r *Registry) Assign(ctx context.Context, chatID, accountName, title, inviteLink string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_assignments
		 (chat_id, account_name, title, invite_link, created_at, status)
		 VALUES (?, ?, ?, ?, ?, 'active')`,
		chatID, accountName, title, inviteLink, nowUnix())
	if err != nil {
		return errors.Wrap(err, "assign chat")
	}
	logger.Infof("Assigned chat %s → account %s", chatID, accountName)
	return nil
}

// AssignIfNotExists записывает привязку, только если чата ещё нет в реестре.
// Возвращает true, когда строка была добавлена. Используется обработчиками
// сообщений для ленивой регистрации чатов, созданных в обход шлюза.
func (r *Registry) AssignIfNotExists(ctx context.Context, chatID, accountName, title string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_assignments
		 (chat_id, account_name, title, invite_link, created_at, status)
		 VALUES (?, ?, ?, '', ?, 'active')`,
		chatID, accountName, title, nowUnix())
	if err != nil {
		return false, errors.Wrap(err, "assign chat if not exists")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "assign chat if not exists: rows affected")
	}
	return n > 0, nil
}

// GetAccount возвращает владельца активного чата, либо "" если привязки нет.
func (r *Registry) GetAccount(ctx context.Context, chatID string) (string, error) {
	var account string
	err := r.db.QueryRowContext(ctx,
		`SELECT account_name FROM chat_assignments WHERE chat_id = ? AND status = 'active'`,
		chatID).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get chat account")
	}
	return account, nil
}

// UpdateAccount переписывает владельца чата (используется при failover).
func (r *Registry) UpdateAccount(ctx context.Context, chatID, newAccount string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chat_assignments SET account_name = ? WHERE chat_id = ?`,
		newAccount, chatID)
	if err != nil {
		return errors.Wrap(err, "update chat account")
	}
	return nil
}

// MarkLeft помечает чат покинутым. Привязка при этом сохраняется.
func (r *Registry) MarkLeft(ctx context.Context, chatID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chat_assignments SET status = 'left' WHERE chat_id = ?`,
		chatID)
	if err != nil {
		return errors.Wrap(err, "mark chat left")
	}
	return nil
}

// IsLeft сообщает, помечен ли чат покинутым.
func (r *Registry) IsLeft(ctx context.Context, chatID string) (bool, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM chat_assignments WHERE chat_id = ?`,
		chatID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check chat left")
	}
	return status == "left", nil
}

// Assignments возвращает последние привязки (по created_at, новые первыми).
func (r *Registry) Assignments(ctx context.Context, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id, account_name, title, invite_link, created_at, status
		 FROM chat_assignments ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list assignments")
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ChatID, &a.AccountName, &a.Title, &a.InviteLink, &a.CreatedAt, &a.Status); err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveCount — число активных чатов.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_assignments WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count active chats")
	}
	return n, nil
}

// AccountChatCounts — количество активных чатов на каждый аккаунт.
func (r *Registry) AccountChatCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_name, COUNT(*) FROM chat_assignments
		 WHERE status = 'active' GROUP BY account_name`)
	if err != nil {
		return nil, errors.Wrap(err, "count chats per account")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, errors.Wrap(err, "scan chat count")
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// ChatTitles возвращает маппинг chat_id → title для чатов с непустым заголовком.
// При непустом chatIDs выборка ограничивается ими и режется на чанки:
// SQLite не принимает произвольно длинные списки параметров.
func (r *Registry) ChatTitles(ctx context.Context, chatIDs []string) (map[string]string, error) {
	titles := make(map[string]string)
	if len(chatIDs) == 0 {
		rows, err := r.db.QueryContext(ctx,
			`SELECT chat_id, title FROM chat_assignments WHERE title != ''`)
		if err != nil {
			return nil, errors.Wrap(err, "list chat titles")
		}
		if err := scanTitles(rows, titles); err != nil {
			return nil, err
		}
		return titles, nil
	}

	for start := 0; start < len(chatIDs); start += titleChunk {
		end := start + titleChunk
		if end > len(chatIDs) {
			end = len(chatIDs)
		}
		chunk := chatIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT chat_id, title FROM chat_assignments
			 WHERE title != '' AND chat_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, errors.Wrap(err, "list chat titles chunk")
		}
		if err := scanTitles(rows, titles); err != nil {
			return nil, err
		}
	}
	return titles, nil
}

func scanTitles(rows *sql.Rows, into map[string]string) error {
	defer rows.Close()
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return errors.Wrap(err, "scan chat title")
		}
		into[id] = title
	}
	return rows.Err()
}

// === Operations log ==========================================================

// LogOperation пишет строку в журнал операций.
func (r *Registry) LogOperation(ctx context.Context, accountName, chatID, operation, status, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operations_log (ts, account_name, chat_id, operation, status, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nowUnix(), accountName, chatID, operation, status, detail)
	if err != nil {
		return errors.Wrap(err, "log operation")
	}
	return nil
}

// RecentOperations возвращает последние операции, новые первыми.
func (r *Registry) RecentOperations(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, account_name, chat_id, operation, status, detail
		 FROM operations_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list operations")
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.TS, &op.AccountName, &op.ChatID, &op.Operation, &op.Status, &op.Detail); err != nil {
			return nil, errors.Wrap(err, "scan operation")
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// LastActiveTimes — момент последней успешной операции каждого аккаунта.
func (r *Registry) LastActiveTimes(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_name, MAX(ts) FROM operations_log
		 WHERE status = 'ok' GROUP BY account_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list last active times")
	}
	defer rows.Close()

	times := make(map[string]float64)
	for rows.Next() {
		var name string
		var ts float64
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, errors.Wrap(err, "scan last active time")
		}
		times[name] = ts
	}
	return times, rows.Err()
}

// AccountDayStats — операции и ошибки каждого аккаунта за последние 24 часа.
func (r *Registry) AccountDayStats(ctx context.Context) (map[string]DayStats, error) {
	cutoff := nowUnix() - 86400
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_name, COUNT(*),
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		 FROM operations_log WHERE ts >= ? GROUP BY account_name`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "collect day stats")
	}
	defer rows.Close()

	stats := make(map[string]DayStats)
	for rows.Next() {
		var name string
		var s DayStats
		if err := rows.Scan(&name, &s.Operations, &s.Errors); err != nil {
			return nil, errors.Wrap(err, "scan day stats")
		}
		stats[name] = s
	}
	return stats, rows.Err()
}

// === Failover log ============================================================

// LogFailover фиксирует переключение чата с одного аккаунта на другой.
func (r *Registry) LogFailover(ctx context.Context, chatID, fromAccount, toAccount, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO failover_log (ts, chat_id, from_account, to_account, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		nowUnix(), chatID, fromAccount, toAccount, reason)
	if err != nil {
		return errors.Wrap(err, "log failover")
	}
	logger.Warnf("FAILOVER chat %s: %s → %s (reason: %s)", chatID, fromAccount, toAccount, reason)
	return nil
}

// FailoverEvents возвращает последние failover-переключения, новые первыми.
func (r *Registry) FailoverEvents(ctx context.Context, limit int) ([]Failover, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, chat_id, from_account, to_account, reason
		 FROM failover_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list failovers")
	}
	defer rows.Close()

	var out []Failover
	for rows.Next() {
		var f Failover
		if err := rows.Scan(&f.ID, &f.TS, &f.ChatID, &f.FromAccount, &f.ToAccount, &f.Reason); err != nil {
			return nil, errors.Wrap(err, "scan failover")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// === Stats ===================================================================

// CollectStats считает агрегаты для дашборда.
func (r *Registry) CollectStats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM chat_assignments WHERE status = 'active'`, &s.ActiveChats},
		{`SELECT COUNT(*) FROM operations_log`, &s.TotalOperations},
		{`SELECT COUNT(*) FROM operations_log WHERE status = 'error'`, &s.TotalErrors},
		{`SELECT COUNT(*) FROM failover_log`, &s.TotalFailovers},
	}
	for _, q := range queries {
		if err := r.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, errors.Wrap(err, "collect stats")
		}
	}
	return s, nil
}

// === Failed requests =========================================================

// SaveFailedRequest сохраняет неудачный запрос для последующего повтора.
// payload — исходное JSON-тело запроса; пустое тело хранится как '{}'.
func (r *Registry) SaveFailedRequest(ctx context.Context, service, direction, endpoint string, payload []byte, errText string) error {
	body := string(payload)
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO failed_requests (ts, service, direction, endpoint, request_payload, error, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		nowUnix(), service, direction, endpoint, body, errText)
	if err != nil {
		return errors.Wrap(err, "save failed request")
	}
	return nil
}

// FailedRequests возвращает последние неудачные запросы, новые первыми.
func (r *Registry) FailedRequests(ctx context.Context, limit int) ([]FailedRequest, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, service, direction, endpoint, request_payload, error,
		        status, retry_count, last_retry_ts, last_retry_error
		 FROM failed_requests ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list failed requests")
	}
	defer rows.Close()

	var out []FailedRequest
	for rows.Next() {
		fr, err := scanFailedRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// FailedRequestByID возвращает неудачный запрос по id.
// Отсутствие строки — не ошибка: возвращается (nil, nil).
func (r *Registry) FailedRequestByID(ctx context.Context, id int64) (*FailedRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, ts, service, direction, endpoint, request_payload, error,
		        status, retry_count, last_retry_ts, last_retry_error
		 FROM failed_requests WHERE id = ?`, id)
	fr, err := scanFailedRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

func scanFailedRequest(scan func(...any) error) (FailedRequest, error) {
	var fr FailedRequest
	err := scan(&fr.ID, &fr.TS, &fr.Service, &fr.Direction, &fr.Endpoint,
		&fr.RequestPayload, &fr.Error, &fr.Status, &fr.RetryCount,
		&fr.LastRetryTS, &fr.LastRetryError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailedRequest{}, err
		}
		return FailedRequest{}, errors.Wrap(err, "scan failed request")
	}
	return fr, nil
}

// UpdateFailedRequest отмечает попытку повтора: статус, счётчик и текст ошибки.
func (r *Registry) UpdateFailedRequest(ctx context.Context, id int64, status, lastRetryError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE failed_requests
		 SET status = ?, retry_count = retry_count + 1, last_retry_ts = ?, last_retry_error = ?
		 WHERE id = ?`,
		status, nowUnix(), lastRetryError, id)
	if err != nil {
		return errors.Wrap(err, "update failed request")
	}
	return nil
}

// DeleteFailedRequest удаляет запись из очереди.
func (r *Registry) DeleteFailedRequest(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_requests WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete failed request")
	}
	return nil
}

// PendingFailedCount — число запросов, ожидающих повтора.
func (r *Registry) PendingFailedCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_requests WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count pending failed requests")
	}
	return n, nil
}

// === Cleanup =================================================================

// CleanupOldLogs удаляет журнальные записи старше days суток. Привязки чатов
// не трогаются, из failed_requests удаляются только обработанные записи.
// Возвращает суммарное число удалённых строк.
func (r *Registry) CleanupOldLogs(ctx context.Context, days int) (int64, error) {
	cutoff := nowUnix() - float64(days)*86400

	var total int64
	for _, q := range []string{
		`DELETE FROM operations_log WHERE ts < ?`,
		`DELETE FROM failover_log WHERE ts < ?`,
		`DELETE FROM failed_requests WHERE status != 'pending' AND ts < ?`,
	} {
		res, err := r.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, errors.Wrap(err, "cleanup old logs")
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
