package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const instanceColumns = `id, owner, exercise_id, backend_handle, host, ports,
	created_at, expires_at, extension_count, status`

// CreateInstanceWithFlag inserts an Instance and its FlagRecord in one
// transaction. A concurrent insert for the same (owner, exercise) loses the
// uniqueness race and gets ErrDuplicateActive; nothing is committed in that
// case.
func (db *DB) CreateInstanceWithFlag(ctx context.Context, inst *Instance, flag *FlagRecord) error {
	portsJSON, err := json.Marshal(inst.Ports)
	if err != nil {
		return fmt.Errorf("encoding ports: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO instances (id, owner, exercise_id, backend_handle, host, ports,
			created_at, expires_at, extension_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.Owner, inst.ExerciseID, inst.BackendHandle, inst.Host, portsJSON,
		inst.CreatedAt, inst.ExpiresAt, inst.ExtensionCount, inst.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateActive
		}
		return fmt.Errorf("inserting instance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO flag_records (instance_id, ciphertext, key_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		flag.InstanceID, flag.Ciphertext, flag.KeyID, flag.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting flag record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateActive
		}
		return fmt.Errorf("committing instance: %w", err)
	}
	return nil
}

// GetActiveInstance returns the active instance for (owner, exercise), or
// ErrNotFound.
func (db *DB) GetActiveInstance(ctx context.Context, owner, exerciseID string) (*Instance, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE owner = $1 AND exercise_id = $2 AND status = $3`,
		owner, exerciseID, StatusActive,
	)
	return scanInstance(row)
}

// UpdateInstanceLocked acquires a row-level lock on the active instance for
// (owner, exercise), runs mutate inside the lock, then commits the updated
// expiry and extension count. Policy checks belong inside mutate: they must
// run after the lock is held, and any error from mutate aborts the
// transaction untouched.
func (db *DB) UpdateInstanceLocked(ctx context.Context, owner, exerciseID string, mutate func(*Instance) error) (*Instance, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE owner = $1 AND exercise_id = $2 AND status = $3
		FOR UPDATE`,
		owner, exerciseID, StatusActive,
	)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(inst); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE instances SET expires_at = $1, extension_count = $2 WHERE id = $3`,
		inst.ExpiresAt, inst.ExtensionCount, inst.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}
	return inst, nil
}

// DeleteInstance removes an instance row; the flag record goes with it via
// cascading delete. Deleting an already-gone instance is not an error.
func (db *DB) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}

// GetFlagRecord returns the flag record bound to an instance, or ErrNotFound.
func (db *DB) GetFlagRecord(ctx context.Context, instanceID uuid.UUID) (*FlagRecord, error) {
	var rec FlagRecord
	err := db.pool.QueryRow(ctx, `
		SELECT instance_id, ciphertext, key_id, created_at
		FROM flag_records WHERE instance_id = $1`,
		instanceID,
	).Scan(&rec.InstanceID, &rec.Ciphertext, &rec.KeyID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying flag record: %w", err)
	}
	return &rec, nil
}

// ListExpired returns up to limit active instances whose expiry has passed,
// oldest first.
func (db *DB) ListExpired(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3`,
		StatusActive, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired instances: %w", err)
	}
	defer rows.Close()

	var results []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *inst)
	}
	return results, rows.Err()
}

// ActiveHandles returns the backend handles of every tracked instance.
func (db *DB) ActiveHandles(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT backend_handle FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("querying instance handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning handle: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// GetRuntimePolicy returns the per-exercise policy override, or ErrNotFound.
func (db *DB) GetRuntimePolicy(ctx context.Context, exerciseID string) (*RuntimePolicyRow, error) {
	var row RuntimePolicyRow
	err := db.pool.QueryRow(ctx, `
		SELECT exercise_id, base_seconds, extension_seconds, max_extensions, lifetime_cap_seconds
		FROM runtime_policies WHERE exercise_id = $1`,
		exerciseID,
	).Scan(&row.ExerciseID, &row.BaseSeconds, &row.ExtensionSeconds,
		&row.MaxExtensions, &row.LifetimeCapSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying runtime policy: %w", err)
	}
	return &row, nil
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	var portsJSON []byte
	err := row.Scan(
		&inst.ID, &inst.Owner, &inst.ExerciseID, &inst.BackendHandle, &inst.Host,
		&portsJSON, &inst.CreatedAt, &inst.ExpiresAt, &inst.ExtensionCount, &inst.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning instance row: %w", err)
	}
	if len(portsJSON) > 0 {
		if err := json.Unmarshal(portsJSON, &inst.Ports); err != nil {
			return nil, fmt.Errorf("decoding ports: %w", err)
		}
	}
	return &inst, nil
}
