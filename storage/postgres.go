package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/songzhibin97/production-workflow/types"
)

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
// Entity updates lock the entity row with SELECT ... FOR UPDATE.
type PostgresStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStorage connects to databaseURL and runs pending migrations.
func NewPostgresStorage(ctx context.Context, logger *slog.Logger, databaseURL string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationManager(logger, db, postgresMigrations()).RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{db: db, logger: logger}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const entityColumns = `entity_type, entity_id, current_state, fields, timestamps, counters, air_date, version, created_at, updated_at`

func scanEntity(row rowScanner) (types.WorkflowEntity, error) {
	var (
		e                        types.WorkflowEntity
		fields, stamps, counters []byte
		airDate                  sql.NullTime
	)
	if err := row.Scan(&e.Type, &e.ID, &e.CurrentState, &fields, &stamps, &counters, &airDate, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return e, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if err := json.Unmarshal(stamps, &e.Timestamps); err != nil {
		return e, fmt.Errorf("failed to unmarshal timestamps: %w", err)
	}
	if err := json.Unmarshal(counters, &e.Counters); err != nil {
		return e, fmt.Errorf("failed to unmarshal counters: %w", err)
	}
	if airDate.Valid {
		t := airDate.Time
		e.AirDate = &t
	}
	normalizeEntity(&e)
	return e, nil
}

func entityJSON(e types.WorkflowEntity) (fields, stamps, counters []byte, err error) {
	if fields, err = json.Marshal(e.Fields); err != nil {
		return
	}
	if stamps, err = json.Marshal(e.Timestamps); err != nil {
		return
	}
	counters, err = json.Marshal(e.Counters)
	return
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateEntity inserts a new entity row.
func (p *PostgresStorage) CreateEntity(ctx context.Context, entity types.WorkflowEntity) error {
	normalizeEntity(&entity)
	fields, stamps, counters, err := entityJSON(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", entity.Ref(), err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		entity.Type, entity.ID, entity.CurrentState, fields, stamps, counters,
		nullTime(entity.AirDate), entity.Version, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.Ref(), err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntityExists, entity.Ref())
	}
	return nil
}

// GetEntity loads one entity.
func (p *PostgresStorage) GetEntity(ctx context.Context, ref types.EntityRef) (types.WorkflowEntity, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM workflow_entities WHERE entity_type = $1 AND entity_id = $2`, ref.Type, ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
	}
	if err != nil {
		return e, fmt.Errorf("failed to load entity %s: %w", ref, err)
	}
	return e, nil
}

func (p *PostgresStorage) lockEntity(ctx context.Context, tx *sql.Tx, ref types.EntityRef) (types.WorkflowEntity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM workflow_entities WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`, ref.Type, ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
	}
	if err != nil {
		return e, fmt.Errorf("failed to lock entity %s: %w", ref, err)
	}
	return e, nil
}

func (p *PostgresStorage) writeEntity(ctx context.Context, tx *sql.Tx, e types.WorkflowEntity) error {
	fields, stamps, counters, err := entityJSON(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", e.Ref(), err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_entities
		SET current_state = $3, fields = $4, timestamps = $5, counters = $6, air_date = $7, version = $8, updated_at = $9
		WHERE entity_type = $1 AND entity_id = $2`,
		e.Type, e.ID, e.CurrentState, fields, stamps, counters, nullTime(e.AirDate), e.Version, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update entity %s: %w", e.Ref(), err)
	}
	return nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (p *PostgresStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateEntity locks the entity row, runs fn and writes entity and record in one transaction.
func (p *PostgresStorage) UpdateEntity(ctx context.Context, ref types.EntityRef, fn UpdateFunc) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		current, err := p.lockEntity(ctx, tx, ref)
		if err != nil {
			return err
		}
		deadlines, err := p.queryDeadlines(ctx, tx, `SELECT `+deadlineColumns+` FROM workflow_deadlines
			WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at, id`, ref.Type, ref.ID)
		if err != nil {
			return err
		}
		working := current.Clone()
		record, err := fn(&working, deadlines)
		if err != nil || record == nil {
			return err
		}
		working.Version = current.Version + 1
		if err := p.writeEntity(ctx, tx, working); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_transitions (id, entity_type, entity_id, transition, from_state, to_state, actor_id, actor_role, occurred_at, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			int64(record.ID), record.EntityType, record.EntityID, record.Transition, record.FromState, record.ToState,
			record.ActorID, record.ActorRole, record.OccurredAt, record.Notes)
		if err != nil {
			return fmt.Errorf("failed to insert transition for %s: %w", ref, err)
		}
		return nil
	})
}

// SetFields merges fields into the locked entity row.
func (p *PostgresStorage) SetFields(ctx context.Context, ref types.EntityRef, fields map[string]any, at time.Time) (types.WorkflowEntity, error) {
	var updated types.WorkflowEntity
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		current, err := p.lockEntity(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := applyFields(&current, fields, at); err != nil {
			return err
		}
		current.Version++
		updated = current
		return p.writeEntity(ctx, tx, current)
	})
	return updated, err
}

// ListTransitions returns the entity history in insertion order.
func (p *PostgresStorage) ListTransitions(ctx context.Context, ref types.EntityRef) ([]types.TransitionRecord, error) {
	if _, err := p.GetEntity(ctx, ref); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, transition, from_state, to_state, actor_id, actor_role, occurred_at, notes
		FROM workflow_transitions WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions of %s: %w", ref, err)
	}
	defer rows.Close()

	var records []types.TransitionRecord
	for rows.Next() {
		var (
			r  types.TransitionRecord
			id int64
		)
		if err := rows.Scan(&id, &r.EntityType, &r.EntityID, &r.Transition, &r.FromState, &r.ToState, &r.ActorID, &r.ActorRole, &r.OccurredAt, &r.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		r.ID = uint64(id)
		records = append(records, r)
	}
	return records, rows.Err()
}

const deadlineColumns = `id, entity_type, entity_id, role, deadline_date, completed_at, completed_by, notes, reminded_at, created_at`

func scanDeadline(row rowScanner) (types.Deadline, error) {
	var (
		d                   types.Deadline
		id                  int64
		completed, reminded sql.NullTime
	)
	if err := row.Scan(&id, &d.EntityType, &d.EntityID, &d.Role, &d.DeadlineDate, &completed, &d.CompletedBy, &d.Notes, &reminded, &d.CreatedAt); err != nil {
		return d, err
	}
	d.ID = uint64(id)
	if completed.Valid {
		t := completed.Time
		d.CompletedAt = &t
	}
	if reminded.Valid {
		t := reminded.Time
		d.RemindedAt = &t
	}
	return d, nil
}

func (p *PostgresStorage) queryDeadlines(ctx context.Context, q rowsQuerier, query string, args ...any) ([]types.Deadline, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deadlines: %w", err)
	}
	defer rows.Close()

	var ds []types.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deadline: %w", err)
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// CreateDeadline inserts a deadline row. The entity row is share-locked so the insert
// waits for a running transition, and the one-open index rejects a second open
// deadline of the role.
func (p *PostgresStorage) CreateDeadline(ctx context.Context, d types.Deadline) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `SELECT 1 FROM workflow_entities WHERE entity_type = $1 AND entity_id = $2 FOR SHARE`,
			d.EntityType, d.EntityID)
		if err != nil {
			return fmt.Errorf("failed to lock entity %s: %w", d.Ref(), err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_deadlines (`+deadlineColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			int64(d.ID), d.EntityType, d.EntityID, d.Role, d.DeadlineDate, nullTime(d.CompletedAt), d.CompletedBy, d.Notes, nullTime(d.RemindedAt), d.CreatedAt)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s role=%s", ErrDeadlineOpen, d.Ref(), d.Role)
		}
		if err != nil {
			return fmt.Errorf("failed to insert deadline for %s: %w", d.Ref(), err)
		}
		return nil
	})
}

// ListDeadlines returns an entity's deadlines in creation order.
func (p *PostgresStorage) ListDeadlines(ctx context.Context, ref types.EntityRef) ([]types.Deadline, error) {
	return p.queryDeadlines(ctx, p.db, `SELECT `+deadlineColumns+` FROM workflow_deadlines
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at, id`, ref.Type, ref.ID)
}

// ListOpenDeadlines returns every uncompleted deadline by due date.
func (p *PostgresStorage) ListOpenDeadlines(ctx context.Context) ([]types.Deadline, error) {
	return p.queryDeadlines(ctx, p.db, `SELECT `+deadlineColumns+` FROM workflow_deadlines
		WHERE completed_at IS NULL ORDER BY deadline_date, id`)
}

// CompleteDeadline locks the role's deadlines and completes the open one.
func (p *PostgresStorage) CompleteDeadline(ctx context.Context, ref types.EntityRef, role types.Role, at time.Time, by, notes string) (types.Deadline, error) {
	var done types.Deadline
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		ds, err := p.queryDeadlines(ctx, tx, `SELECT `+deadlineColumns+` FROM workflow_deadlines
			WHERE entity_type = $1 AND entity_id = $2 AND role = $3 ORDER BY created_at, id FOR UPDATE`, ref.Type, ref.ID, role)
		if err != nil {
			return err
		}
		i, err := pickOpenDeadline(ds, role)
		if err != nil {
			return fmt.Errorf("%w: %s role=%s", err, ref, role)
		}
		done = ds[i]
		completed := at
		done.CompletedAt = &completed
		done.CompletedBy = by
		if notes != "" {
			done.Notes = notes
		}
		_, err = tx.ExecContext(ctx, `UPDATE workflow_deadlines SET completed_at = $2, completed_by = $3, notes = $4 WHERE id = $1`,
			int64(done.ID), at, by, done.Notes)
		if err != nil {
			return fmt.Errorf("failed to complete deadline %d: %w", done.ID, err)
		}
		return nil
	})
	return done, err
}

// MarkDeadlineReminded stamps reminded_at.
func (p *PostgresStorage) MarkDeadlineReminded(ctx context.Context, id uint64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workflow_deadlines SET reminded_at = $2 WHERE id = $1`, int64(id), at)
	if err != nil {
		return fmt.Errorf("failed to mark deadline %d reminded: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrDeadlineNotFound, id)
	}
	return nil
}

// SaveNotifications inserts notifications in one transaction.
func (p *PostgresStorage) SaveNotifications(ctx context.Context, ns []types.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, n := range ns {
			payload, err := json.Marshal(n.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal notification payload: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO notifications (id, recipient_user_id, entity_type, entity_id, kind, payload, is_read, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				int64(n.ID), n.RecipientUserID, n.EntityType, n.EntityID, n.Kind, payload, n.IsRead, n.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert notification for %s: %w", n.RecipientUserID, err)
			}
		}
		return nil
	})
}

// ListNotifications returns a user's notifications, newest first.
func (p *PostgresStorage) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]types.Notification, error) {
	query := `SELECT id, recipient_user_id, entity_type, entity_id, kind, payload, is_read, created_at
		FROM notifications WHERE recipient_user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	out := []types.Notification{}
	for rows.Next() {
		var (
			n       types.Notification
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &n.RecipientUserID, &n.EntityType, &n.EntityID, &n.Kind, &payload, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.ID = uint64(id)
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification payload: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags a notification as read.
func (p *PostgresStorage) MarkNotificationRead(ctx context.Context, userID string, id uint64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_user_id = $2`, int64(id), userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotificationMissing, id)
	}
	return nil
}

// Ping verifies the database connection is healthy.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *PostgresStorage) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
