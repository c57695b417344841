package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

const timerColumns = `id, task_id, purpose, sla_type, fire_at, deadline, escalation_level,
	generation, state, attempts, lease_owner, lease_expires_at, last_error, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(r rowScanner) (model.Timer, error) {
	var (
		t        model.Timer
		fireAt   int64
		deadline int64
		updated  int64
		owner    sql.NullString
		expires  sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.TaskID, &t.Purpose, &t.SLAType, &fireAt, &deadline, &t.EscalationLevel,
		&t.Generation, &t.State, &t.Attempts, &owner, &expires, &t.LastError, &updated)
	if err != nil {
		return model.Timer{}, err
	}
	t.FireAt = fromMillis(fireAt)
	t.Deadline = fromMillis(deadline)
	t.UpdatedAt = fromMillis(updated)
	if owner.Valid {
		o := owner.String
		t.LeaseOwner = &o
	}
	t.LeaseExpiresAt = timePtr(expires)
	return t, nil
}

// getTimer returns nil when the key has no row.
func (s *Store) getTimer(ctx context.Context, q querier, key model.TimerKey, lock bool) (*model.Timer, error) {
	query := `SELECT ` + timerColumns + ` FROM timers WHERE task_id = ? AND purpose = ?`
	if lock {
		query += s.forUpdate(false)
	}
	t, err := scanTimer(q.QueryRowContext(ctx, s.rebind(query), key.TaskID, string(key.Purpose)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) queryTimers(ctx context.Context, q querier, query string, args ...any) ([]model.Timer, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertTimers(ctx context.Context, timers []model.Timer) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "insert timers", func(tx *sql.Tx) error {
		for i := range timers {
			t := timers[i]
			if t.ID == "" {
				t.ID = model.GenerateID(model.IDTypeTimer)
			}
			if t.State == "" {
				t.State = model.TimerStatePending
			}
			res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO timers (`+timerColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (task_id, purpose) DO NOTHING`),
				t.ID, t.TaskID, string(t.Purpose), string(t.SLAType), toMillis(t.FireAt), toMillis(t.Deadline),
				t.EscalationLevel, t.Generation, string(t.State), t.Attempts, nullString(t.LeaseOwner),
				nullMillis(t.LeaseExpiresAt), t.LastError, toMillis(t.UpdatedAt))
			if err != nil {
				return persistErr("insert timers", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) Cancel(ctx context.Context, taskID string, purposes []model.TimerPurpose, now time.Time) error {
	return s.withTx(ctx, "cancel timers", func(tx *sql.Tx) error {
		for _, p := range purposes {
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO timers (id, task_id, purpose, fire_at, generation, state, updated_at)
				VALUES (?, ?, ?, 0, 1, ?, ?)
				ON CONFLICT (task_id, purpose) DO UPDATE SET
					generation = timers.generation + 1,
					state = excluded.state,
					lease_owner = NULL,
					lease_expires_at = NULL,
					updated_at = excluded.updated_at`),
				model.GenerateID(model.IDTypeTimer), taskID, string(p), string(model.TimerStateCancelled), toMillis(now))
			if err != nil {
				return persistErr("cancel timers", err)
			}
		}
		return nil
	})
}

func (s *Store) Transition(ctx context.Context, fence *model.Fence, next model.Timer, now time.Time) (model.Timer, error) {
	var out model.Timer
	err := s.withTx(ctx, "transition timer", func(tx *sql.Tx) error {
		cur, err := s.getTimer(ctx, tx, fence.TimerKey, true)
		if err != nil {
			return persistErr("transition timer", err)
		}
		if !store.FenceCurrent(cur, fence) {
			return model.ErrStaleTimerFire
		}

		nextKey := next.Key()
		existing := cur
		if nextKey != fence.TimerKey {
			existing, err = s.getTimer(ctx, tx, nextKey, true)
			if err != nil {
				return persistErr("transition timer", err)
			}
			if existing != nil && existing.State == model.TimerStateCancelled {
				return model.ErrStaleTimerFire
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET state = ?, lease_owner = NULL,
				lease_expires_at = NULL, updated_at = ? WHERE task_id = ? AND purpose = ?`),
				string(model.TimerStateDone), toMillis(now), fence.TaskID, string(fence.Purpose)); err != nil {
				return persistErr("transition timer", err)
			}
		}

		row := next
		row.State = model.TimerStatePending
		row.Attempts = 0
		row.LeaseOwner = nil
		row.LeaseExpiresAt = nil
		row.LastError = ""
		row.UpdatedAt = now

		if existing != nil {
			row.ID = existing.ID
			row.Generation = existing.Generation + 1
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE timers SET sla_type = ?, fire_at = ?, deadline = ?,
				escalation_level = ?, generation = ?, state = ?, attempts = 0, lease_owner = NULL,
				lease_expires_at = NULL, last_error = '', updated_at = ?
				WHERE task_id = ? AND purpose = ?`),
				string(row.SLAType), toMillis(row.FireAt), toMillis(row.Deadline), row.EscalationLevel,
				row.Generation, string(row.State), toMillis(now), row.TaskID, string(row.Purpose))
		} else {
			row.ID = model.GenerateID(model.IDTypeTimer)
			row.Generation = 0
			_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO timers (id, task_id, purpose, sla_type, fire_at,
				deadline, escalation_level, generation, state, attempts, last_error, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, '', ?)`),
				row.ID, row.TaskID, string(row.Purpose), string(row.SLAType), toMillis(row.FireAt),
				toMillis(row.Deadline), row.EscalationLevel, string(row.State), toMillis(now))
		}
		if err != nil {
			return persistErr("transition timer", err)
		}
		out = row
		return nil
	})
	if err != nil {
		return model.Timer{}, err
	}
	return out, nil
}

func (s *Store) Complete(ctx context.Context, fence *model.Fence, now time.Time) error {
	return s.withTx(ctx, "complete timer", func(tx *sql.Tx) error {
		cur, err := s.getTimer(ctx, tx, fence.TimerKey, true)
		if err != nil {
			return persistErr("complete timer", err)
		}
		if !store.FenceCurrent(cur, fence) {
			return model.ErrStaleTimerFire
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET state = ?, lease_owner = NULL,
			lease_expires_at = NULL, updated_at = ? WHERE task_id = ? AND purpose = ?`),
			string(model.TimerStateDone), toMillis(now), fence.TaskID, string(fence.Purpose)); err != nil {
			return persistErr("complete timer", err)
		}
		return nil
	})
}

func (s *Store) Current(ctx context.Context, key model.TimerKey) (model.Timer, error) {
	t, err := s.getTimer(ctx, s.db, key, false)
	if err != nil {
		return model.Timer{}, persistErr("get timer", err)
	}
	if t == nil {
		return model.Timer{}, model.ErrTimerNotFound
	}
	return *t, nil
}

func (s *Store) ListTimers(ctx context.Context, taskID string) ([]model.Timer, error) {
	timers, err := s.queryTimers(ctx, s.db, `SELECT `+timerColumns+` FROM timers WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, persistErr("list timers", err)
	}
	out := make([]model.Timer, 0, len(timers))
	for _, p := range model.AllPurposes {
		for _, t := range timers {
			if t.Purpose == p {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *Store) ClaimDue(ctx context.Context, req store.ClaimRequest) ([]model.Timer, error) {
	var claimed []model.Timer
	err := s.withTx(ctx, "claim timers", func(tx *sql.Tx) error {
		now := toMillis(req.Now)
		query := `SELECT ` + timerColumns + ` FROM timers
			WHERE state = ? AND fire_at <= ?
			AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)`
		args := []any{string(model.TimerStatePending), now, now}
		if req.MaxAttempts > 0 {
			query += ` AND attempts < ?`
			args = append(args, req.MaxAttempts)
		}
		query += ` ORDER BY fire_at, task_id, purpose`
		if req.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, req.Limit)
		}
		query += s.forUpdate(true)

		due, err := s.queryTimers(ctx, tx, query, args...)
		if err != nil {
			return persistErr("claim timers", err)
		}

		expires := req.Now.Add(req.LeaseTTL)
		for _, t := range due {
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET lease_owner = ?, lease_expires_at = ?,
				attempts = attempts + 1, updated_at = ? WHERE task_id = ? AND purpose = ? AND generation = ?`),
				req.Owner, toMillis(expires), now, t.TaskID, string(t.Purpose), t.Generation)
			if err != nil {
				return persistErr("claim timers", err)
			}
			owner := req.Owner
			exp := fromMillis(toMillis(expires))
			t.LeaseOwner = &owner
			t.LeaseExpiresAt = &exp
			t.Attempts++
			t.UpdatedAt = fromMillis(now)
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Release(ctx context.Context, req store.ReleaseRequest) error {
	return s.withTx(ctx, "release timer", func(tx *sql.Tx) error {
		cur, err := s.getTimer(ctx, tx, req.Fence.TimerKey, true)
		if err != nil {
			return persistErr("release timer", err)
		}
		if !store.FenceCurrent(cur, req.Fence) {
			return model.ErrStaleTimerFire
		}
		state := model.TimerStatePending
		fireAt := req.RetryAt
		if req.DeadLetter {
			state = model.TimerStateDeadLetter
			fireAt = cur.FireAt
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET state = ?, fire_at = ?, lease_owner = NULL,
			lease_expires_at = NULL, last_error = ?, updated_at = ? WHERE task_id = ? AND purpose = ?`),
			string(state), toMillis(fireAt), req.LastError, toMillis(req.Now), cur.TaskID, string(cur.Purpose)); err != nil {
			return persistErr("release timer", err)
		}
		return nil
	})
}

func (s *Store) DeadLetterExhausted(ctx context.Context, maxAttempts int, now time.Time) ([]model.Timer, error) {
	var out []model.Timer
	if maxAttempts <= 0 {
		return out, nil
	}
	err := s.withTx(ctx, "dead-letter timers", func(tx *sql.Tx) error {
		ms := toMillis(now)
		rows, err := s.queryTimers(ctx, tx, `SELECT `+timerColumns+` FROM timers
			WHERE state = ? AND attempts >= ?
			AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)`+s.forUpdate(true),
			string(model.TimerStatePending), maxAttempts, ms)
		if err != nil {
			return persistErr("dead-letter timers", err)
		}
		for _, t := range rows {
			if t.LastError == "" {
				t.LastError = "lease expired without completion"
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET state = ?, lease_owner = NULL,
				lease_expires_at = NULL, last_error = ?, updated_at = ? WHERE task_id = ? AND purpose = ?`),
				string(model.TimerStateDeadLetter), t.LastError, ms, t.TaskID, string(t.Purpose)); err != nil {
				return persistErr("dead-letter timers", err)
			}
			t.State = model.TimerStateDeadLetter
			t.LeaseOwner = nil
			t.LeaseExpiresAt = nil
			t.UpdatedAt = fromMillis(ms)
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, key model.TimerKey, fireAt, now time.Time) error {
	return s.withTx(ctx, "requeue timer", func(tx *sql.Tx) error {
		cur, err := s.getTimer(ctx, tx, key, true)
		if err != nil {
			return persistErr("requeue timer", err)
		}
		if cur == nil {
			return model.ErrTimerNotFound
		}
		if cur.State != model.TimerStateDeadLetter {
			return fmt.Errorf("requeue %s: timer is %s, not %s", key, cur.State, model.TimerStateDeadLetter)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE timers SET state = ?, attempts = 0, fire_at = ?,
			updated_at = ? WHERE task_id = ? AND purpose = ?`),
			string(model.TimerStatePending), toMillis(fireAt), toMillis(now), key.TaskID, string(key.Purpose)); err != nil {
			return persistErr("requeue timer", err)
		}
		return nil
	})
}

func (s *Store) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT MIN(CASE
			WHEN lease_owner IS NOT NULL AND lease_expires_at IS NOT NULL AND lease_expires_at > fire_at
			THEN lease_expires_at ELSE fire_at END)
		FROM timers WHERE state = ?`), string(model.TimerStatePending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, persistErr("next fire time", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}

func (s *Store) CountByState(ctx context.Context) (map[model.TimerState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM timers GROUP BY state`)
	if err != nil {
		return nil, persistErr("count timers", err)
	}
	defer rows.Close()

	counts := make(map[model.TimerState]int)
	for rows.Next() {
		var (
			state model.TimerState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, persistErr("count timers", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("count timers", err)
	}
	return counts, nil
}
