package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Slave Operations ---

func (s *PostgresStore) UpsertSlave(ctx context.Context, slave *SlaveServer) error {
	query := `
		INSERT INTO slaves (slave_id, name, hostname, ip, status, last_seen, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slave_id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			ip = EXCLUDED.ip,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			metrics = EXCLUDED.metrics
	`
	_, err := s.pool.Exec(ctx, query,
		slave.SlaveID, slave.Name, slave.Hostname, slave.IP,
		slave.Status, slave.LastSeen, slave.Metrics,
	)
	return err
}

func (s *PostgresStore) GetSlave(ctx context.Context, slaveID string) (*SlaveServer, error) {
	query := `
		SELECT slave_id, name, hostname, ip, status, last_seen, metrics
		FROM slaves WHERE slave_id = $1
	`
	var sl SlaveServer
	err := s.pool.QueryRow(ctx, query, slaveID).Scan(
		&sl.SlaveID, &sl.Name, &sl.Hostname, &sl.IP, &sl.Status, &sl.LastSeen, &sl.Metrics,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

func (s *PostgresStore) ListSlaves(ctx context.Context) ([]*SlaveServer, error) {
	query := `
		SELECT slave_id, name, hostname, ip, status, last_seen, metrics
		FROM slaves ORDER BY slave_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slaves []*SlaveServer
	for rows.Next() {
		var sl SlaveServer
		if err := rows.Scan(
			&sl.SlaveID, &sl.Name, &sl.Hostname, &sl.IP, &sl.Status, &sl.LastSeen, &sl.Metrics,
		); err != nil {
			return nil, err
		}
		slaves = append(slaves, &sl)
	}
	return slaves, rows.Err()
}

func (s *PostgresStore) UpdateSlaveLastSeen(ctx context.Context, slaveID string, t time.Time) error {
	query := `UPDATE slaves SET last_seen = $1 WHERE slave_id = $2`
	tag, err := s.pool.Exec(ctx, query, t, slaveID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkSlaveOffline(ctx context.Context, slaveID string, staleBefore time.Time) (bool, error) {
	// The last_seen guard keeps the sweep from reverting a heartbeat that
	// arrived after the caller read the row.
	query := `
		UPDATE slaves SET status = 'offline'
		WHERE slave_id = $1 AND last_seen < $2 AND status <> 'offline'
	`
	tag, err := s.pool.Exec(ctx, query, slaveID, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteSlave(ctx context.Context, slaveID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM slaves WHERE slave_id = $1`, slaveID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Proxy Operations ---

func (s *PostgresStore) CreateProxy(ctx context.Context, proxy *Proxy) error {
	query := `
		INSERT INTO proxies (proxy_id, address, port, username, password, valid, last_checked, fail_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		proxy.ProxyID, proxy.Address, proxy.Port, proxy.Username, proxy.Password,
		proxy.Valid, proxy.LastChecked, proxy.FailCount,
	)
	return err
}

func (s *PostgresStore) ListProxies(ctx context.Context) ([]*Proxy, error) {
	query := `
		SELECT proxy_id, address, port, username, password, valid, last_checked, fail_count
		FROM proxies ORDER BY proxy_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		var p Proxy
		if err := rows.Scan(
			&p.ProxyID, &p.Address, &p.Port, &p.Username, &p.Password,
			&p.Valid, &p.LastChecked, &p.FailCount,
		); err != nil {
			return nil, err
		}
		proxies = append(proxies, &p)
	}
	return proxies, rows.Err()
}

func (s *PostgresStore) UpdateProxyCheck(ctx context.Context, proxyID string, valid bool, checkedAt time.Time) error {
	// fail_count resets on success, increments on failure; single-row atomic.
	query := `
		UPDATE proxies
		SET valid = $2, last_checked = $3,
		    fail_count = CASE WHEN $2 THEN 0 ELSE fail_count + 1 END
		WHERE proxy_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, proxyID, valid, checkedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteProxy(ctx context.Context, proxyID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proxies WHERE proxy_id = $1`, proxyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Viewer Operations ---

func (s *PostgresStore) CreateViewer(ctx context.Context, viewer *ViewerInstance) error {
	// DO NOTHING keeps concurrent polls of the same spawn command from
	// failing on the duplicate assignment.
	query := `
		INSERT INTO viewers (viewer_id, slave_id, user_id, url, proxy, status, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (viewer_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		viewer.ViewerID, viewer.SlaveID, viewer.UserID, viewer.URL, viewer.Proxy,
		viewer.Status, viewer.Error, viewer.StartedAt,
	)
	return err
}

func (s *PostgresStore) GetViewer(ctx context.Context, viewerID string) (*ViewerInstance, error) {
	query := `
		SELECT viewer_id, slave_id, user_id, url, proxy, status, error, started_at
		FROM viewers WHERE viewer_id = $1
	`
	var v ViewerInstance
	err := s.pool.QueryRow(ctx, query, viewerID).Scan(
		&v.ViewerID, &v.SlaveID, &v.UserID, &v.URL, &v.Proxy, &v.Status, &v.Error, &v.StartedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) UpdateViewerStatus(ctx context.Context, viewerID string, status string, errMsg string) error {
	query := `UPDATE viewers SET status = $2, error = $3 WHERE viewer_id = $1`
	tag, err := s.pool.Exec(ctx, query, viewerID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListViewers(ctx context.Context) ([]*ViewerInstance, error) {
	return s.listViewers(ctx, `
		SELECT viewer_id, slave_id, user_id, url, proxy, status, error, started_at
		FROM viewers ORDER BY started_at
	`)
}

func (s *PostgresStore) ListViewersBySlave(ctx context.Context, slaveID string) ([]*ViewerInstance, error) {
	return s.listViewers(ctx, `
		SELECT viewer_id, slave_id, user_id, url, proxy, status, error, started_at
		FROM viewers WHERE slave_id = $1 ORDER BY started_at
	`, slaveID)
}

func (s *PostgresStore) listViewers(ctx context.Context, query string, args ...any) ([]*ViewerInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var viewers []*ViewerInstance
	for rows.Next() {
		var v ViewerInstance
		if err := rows.Scan(
			&v.ViewerID, &v.SlaveID, &v.UserID, &v.URL, &v.Proxy, &v.Status, &v.Error, &v.StartedAt,
		); err != nil {
			return nil, err
		}
		viewers = append(viewers, &v)
	}
	return viewers, rows.Err()
}

func (s *PostgresStore) DeleteViewer(ctx context.Context, viewerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM viewers WHERE viewer_id = $1`, viewerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountRunningViewersByUser(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM viewers WHERE user_id = $1 AND status = 'running'`
	var count int
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Command Operations ---

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (command_id, type, target, payload, status, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		cmd.CommandID, cmd.Type, cmd.Target, cmd.Payload, cmd.Status, cmd.Result, cmd.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	query := `
		SELECT command_id, type, target, payload, status, result, created_at
		FROM commands WHERE command_id = $1
	`
	var c Command
	err := s.pool.QueryRow(ctx, query, commandID).Scan(
		&c.CommandID, &c.Type, &c.Target, &c.Payload, &c.Status, &c.Result, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListPendingCommands(ctx context.Context, target string) ([]*Command, error) {
	query := `
		SELECT command_id, type, target, payload, status, result, created_at
		FROM commands WHERE status = 'pending' AND target = $1
		ORDER BY created_at
	`
	return s.listCommands(ctx, query, target)
}

func (s *PostgresStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	query := `
		SELECT command_id, type, target, payload, status, result, created_at
		FROM commands ORDER BY created_at DESC LIMIT $1
	`
	return s.listCommands(ctx, query, limit)
}

func (s *PostgresStore) listCommands(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(
			&c.CommandID, &c.Type, &c.Target, &c.Payload, &c.Status, &c.Result, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		cmds = append(cmds, &c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) CompleteCommand(ctx context.Context, commandID string, status string, result json.RawMessage) (bool, error) {
	// The WHERE guard makes the terminal transition single-shot: a command
	// already executed or failed is never rewritten.
	query := `
		UPDATE commands SET status = $2, result = $3
		WHERE command_id = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, commandID, status, result)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CountCommandsByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commands WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- Log Operations ---

func (s *PostgresStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	query := `
		INSERT INTO logs (log_id, timestamp, level, source, message, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		entry.LogID, entry.Timestamp, entry.Level, entry.Source, entry.Message, entry.Details,
	)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	query := `
		SELECT log_id, timestamp, level, source, message, details
		FROM logs ORDER BY timestamp DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.LogID, &e.Timestamp, &e.Level, &e.Source, &e.Message, &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- User/Plan Operations ---

func (s *PostgresStore) GetUserPlan(ctx context.Context, userID string) (*Plan, error) {
	query := `
		SELECT p.plan_id, p.name, p.viewer_limit
		FROM users u JOIN plans p ON u.plan_id = p.plan_id
		WHERE u.user_id = $1
	`
	var p Plan
	err := s.pool.QueryRow(ctx, query, userID).Scan(&p.PlanID, &p.Name, &p.ViewerLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
