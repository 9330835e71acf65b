// Package store persists server records, log batches, notifications, and
// mail recipients in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetmon/internal/models"

	_ "modernc.org/sqlite"
)

// Store manages fleetmon's durable state in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (creating if necessary) the database at dbPath and
// initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrency between the flush loop and
	// the query surface.
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	s := &Store{db: database}
	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateServer inserts a new server record. Histories and the process
// list start empty.
func (s *Store) CreateServer(record *models.ServerRecord) (*models.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result, err := s.db.ExecContext(context.Background(),
		`INSERT INTO servers (code, name, ip, port, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		record.Code, record.Name, record.IP, record.Port, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrServerExists
		}
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	out := *record
	out.ID = id
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// FindServerByCode returns the server record for the given code, or
// ErrServerNotFound.
func (s *Store) FindServerByCode(code string) (*models.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanServer(s.db.QueryRowContext(context.Background(),
		`SELECT id, code, name, ip, port, processes, cpu_history, ram_history, gpu_history, network_history,
		        up_time, down_time, availability, created_at, updated_at
		 FROM servers WHERE code = ?`, code))
}

// ListServers returns every registered server record ordered by code.
func (s *Store) ListServers() ([]*models.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, code, name, ip, port, processes, cpu_history, ram_history, gpu_history, network_history,
		        up_time, down_time, availability, created_at, updated_at
		 FROM servers ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var records []*models.ServerRecord
	for rows.Next() {
		record, err := s.scanServer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return records, nil
}

// CountServers returns the number of registered servers. The log
// pipeline sizes its consumer pool from this.
func (s *Store) CountServers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM servers`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return count, nil
}

// UpdateServerMetrics writes back the rollup state persisted after each
// accepted telemetry sample and each uptime accrual tick.
func (s *Store) UpdateServerMetrics(code string, status *models.ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpuHistory, ramHistory, gpuHistory, networkHistory, err := marshalHistories(status)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(context.Background(),
		`UPDATE servers SET cpu_history = ?, ram_history = ?, gpu_history = ?, network_history = ?,
		        up_time = ?, down_time = ?, availability = ?, updated_at = ?
		 WHERE code = ?`,
		cpuHistory, ramHistory, gpuHistory, networkHistory,
		status.UpTime, status.DownTime, status.Availability, time.Now(), code,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// UpdateServerProcesses writes back the process list for a server.
func (s *Store) UpdateServerProcesses(code string, processes []*models.ProcessStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(processes)
	if err != nil {
		return fmt.Errorf("marshal processes: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`UPDATE servers SET processes = ?, updated_at = ? WHERE code = ?`,
		string(data), time.Now(), code,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// AppendLogBatch inserts buffered log entries in a single transaction.
func (s *Store) AppendLogBatch(entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs (server_code, type, message, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entry.ServerCode, entry.Type, entry.Message, entry.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// LogFilter narrows a log query. Zero values mean "no constraint".
type LogFilter struct {
	ServerCode string
	Type       string
	Start      time.Time
	End        time.Time
	Page       int
	Limit      int
}

// QueryLogs returns a page of log rows (newest first) and the total
// number of rows matching the filter.
func (s *Store) QueryLogs(filter LogFilter) ([]*models.LogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"1=1"}
	var args []any
	if filter.ServerCode != "" {
		where = append(where, "server_code = ?")
		args = append(args, filter.ServerCode)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Start)
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.End)
	}
	clause := strings.Join(where, " AND ")

	ctx := context.Background()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_code, type, message, timestamp FROM logs WHERE `+clause+
			` ORDER BY timestamp DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		if err := rows.Scan(&entry.ID, &entry.ServerCode, &entry.Type, &entry.Message, &entry.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return entries, total, nil
}

// InsertNotification persists a connectivity notification.
func (s *Store) InsertNotification(n *models.Notification) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(context.Background(),
		`INSERT INTO notifications (server_code, server_name, type, read, timestamp) VALUES (?, ?, ?, ?, ?)`,
		n.ServerCode, n.ServerName, int(n.Type), n.Read, n.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	out := *n
	out.ID = id
	return &out, nil
}

// HasRecentNotification reports whether a notification of the same type
// exists for the server code at or after the given threshold.
func (s *Store) HasRecentNotification(code string, kind models.NotificationType, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM notifications WHERE server_code = ? AND type = ? AND timestamp >= ?`,
		code, int(kind), since,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return count > 0, nil
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications() ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, server_code, server_name, type, read, timestamp FROM notifications ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var kind int
		if err := rows.Scan(&n.ID, &n.ServerCode, &n.ServerName, &kind, &n.Read, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		n.Type = models.NotificationType(kind)
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return notifications, nil
}

// MarkNotificationRead marks one notification as read.
func (s *Store) MarkNotificationRead(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		`UPDATE notifications SET read = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// MarkAllNotificationsRead marks every notification as read.
func (s *Store) MarkAllNotificationsRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(), `UPDATE notifications SET read = TRUE`)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// DeleteOldNotifications removes notifications older than the cutoff.
func (s *Store) DeleteOldNotifications(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		`DELETE FROM notifications WHERE timestamp < ?`, before)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// AddRecipient subscribes an email address to disconnect alerts.
func (s *Store) AddRecipient(email string) (*models.MailRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result, err := s.db.ExecContext(context.Background(),
		`INSERT INTO mail_recipients (email, created_at) VALUES (?, ?)`, email, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrRecipientExists
		}
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return &models.MailRecipient{ID: id, Email: email, CreatedAt: now}, nil
}

// ListRecipients returns every subscribed address.
func (s *Store) ListRecipients() ([]*models.MailRecipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, email, created_at FROM mail_recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var recipients []*models.MailRecipient
	for rows.Next() {
		r := &models.MailRecipient{}
		if err := rows.Scan(&r.ID, &r.Email, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return recipients, nil
}

// DeleteRecipient removes a subscription.
func (s *Store) DeleteRecipient(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		`DELETE FROM mail_recipients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanServer(row rowScanner) (*models.ServerRecord, error) {
	record := &models.ServerRecord{}
	var processes, cpuHistory, ramHistory, gpuHistory, networkHistory string
	err := row.Scan(&record.ID, &record.Code, &record.Name, &record.IP, &record.Port,
		&processes, &cpuHistory, &ramHistory, &gpuHistory, &networkHistory,
		&record.UpTime, &record.DownTime, &record.Availability, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	if err := json.Unmarshal([]byte(processes), &record.Processes); err != nil {
		record.Processes = nil
	}
	unmarshalHistory(cpuHistory, &record.CPUHistory)
	unmarshalHistory(ramHistory, &record.RAMHistory)
	unmarshalHistory(gpuHistory, &record.GPUHistory)
	unmarshalHistory(networkHistory, &record.NetworkHistory)
	return record, nil
}

func marshalHistories(status *models.ServerStatus) (cpu, ram, gpu, network string, err error) {
	encode := func(h models.History) (string, error) {
		data, err := json.Marshal(h)
		if err != nil {
			return "", fmt.Errorf("marshal history: %w", err)
		}
		return string(data), nil
	}
	if cpu, err = encode(status.CPUHistory); err != nil {
		return
	}
	if ram, err = encode(status.RAMHistory); err != nil {
		return
	}
	if gpu, err = encode(status.GPUHistory); err != nil {
		return
	}
	network, err = encode(status.NetworkHistory)
	return
}

// unmarshalHistory tolerates legacy rows holding short arrays: values are
// copied positionally into the fixed 24-slot history.
func unmarshalHistory(data string, h *models.History) {
	var values []*float64
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return
	}
	for i := 0; i < len(values) && i < models.HistorySlots; i++ {
		h[i] = values[i]
	}
}
