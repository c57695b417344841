package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

const eventColumns = `id, task_id, event_type, severity, sla_type, expected_deadline, actual_time,
	escalation_level, recipient, triggered_at, published_at, notify_count`

func scanEvent(r rowScanner) (model.SLAEvent, error) {
	var (
		ev        model.SLAEvent
		expected  int64
		triggered int64
		actual    sql.NullInt64
		published sql.NullInt64
	)
	err := r.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &ev.Severity, &ev.SLAType, &expected, &actual,
		&ev.EscalationLevel, &ev.Recipient, &triggered, &published, &ev.NotifyCount)
	if err != nil {
		return model.SLAEvent{}, err
	}
	ev.ExpectedDeadline = fromMillis(expected)
	ev.TriggeredAt = fromMillis(triggered)
	ev.ActualTime = timePtr(actual)
	ev.PublishedAt = timePtr(published)
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, q querier, query string, args ...any) ([]model.SLAEvent, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SLAEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) getEvent(ctx context.Context, q querier, key model.EventKey) (model.SLAEvent, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM sla_events
		WHERE task_id = ? AND sla_type = ? AND event_type = ? AND escalation_level = ?`),
		key.TaskID, string(key.SLAType), string(key.EventType), key.EscalationLevel))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SLAEvent{}, store.ErrEventNotFound
	}
	if err != nil {
		return model.SLAEvent{}, persistErr("get event", err)
	}
	return ev, nil
}

// checkFence locks the fenced timer row for the rest of the transaction.
func (s *Store) checkFence(ctx context.Context, tx *sql.Tx, fence *model.Fence) error {
	if fence == nil {
		return nil
	}
	cur, err := s.getTimer(ctx, tx, fence.TimerKey, true)
	if err != nil {
		return persistErr("check fence", err)
	}
	if !store.FenceCurrent(cur, fence) {
		return model.ErrStaleTimerFire
	}
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, ev model.SLAEvent, fence *model.Fence) (model.SLAEvent, bool, error) {
	var (
		out      model.SLAEvent
		inserted bool
	)
	err := s.withTx(ctx, "insert event", func(tx *sql.Tx) error {
		if err := s.checkFence(ctx, tx, fence); err != nil {
			return err
		}
		if ev.ID == "" {
			ev.ID = model.GenerateID(model.IDTypeEvent)
		}
		ev.PublishedAt = nil
		ev.NotifyCount = 1
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO sla_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)
			ON CONFLICT (task_id, sla_type, event_type, escalation_level) DO NOTHING`),
			ev.ID, ev.TaskID, string(ev.EventType), string(ev.Severity), string(ev.SLAType),
			toMillis(ev.ExpectedDeadline), nullMillis(ev.ActualTime), ev.EscalationLevel, ev.Recipient,
			toMillis(ev.TriggeredAt))
		if err != nil {
			return persistErr("insert event", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			out, inserted = ev, true
			return nil
		}
		out, err = s.getEvent(ctx, tx, ev.Key())
		return err
	})
	if err != nil {
		return model.SLAEvent{}, false, err
	}
	if inserted {
		// Match what a reader gets back from the database.
		out.ExpectedDeadline = fromMillis(toMillis(out.ExpectedDeadline))
		out.TriggeredAt = fromMillis(toMillis(out.TriggeredAt))
		out.ActualTime = timePtr(nullMillis(out.ActualTime))
	}
	return out, inserted, nil
}

func (s *Store) GetEvent(ctx context.Context, key model.EventKey) (model.SLAEvent, error) {
	return s.getEvent(ctx, s.db, key)
}

func (s *Store) ListEvents(ctx context.Context, taskID string) ([]model.SLAEvent, error) {
	evs, err := s.queryEvents(ctx, s.db, `SELECT `+eventColumns+` FROM sla_events WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	store.SortEvents(evs)
	return evs, nil
}

func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]model.SLAEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sla_events WHERE published_at IS NULL ORDER BY triggered_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	evs, err := s.queryEvents(ctx, s.db, query, args...)
	if err != nil {
		return nil, persistErr("list unpublished events", err)
	}
	store.SortEvents(evs)
	return evs, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sla_events SET published_at = ? WHERE id = ?`), toMillis(at), id)
	if err != nil {
		return persistErr("mark published", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrEventNotFound
	}
	return nil
}

func (s *Store) Renotify(ctx context.Context, key model.EventKey, fence *model.Fence) (model.SLAEvent, error) {
	var out model.SLAEvent
	err := s.withTx(ctx, "renotify event", func(tx *sql.Tx) error {
		if err := s.checkFence(ctx, tx, fence); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE sla_events SET notify_count = notify_count + 1,
			published_at = NULL WHERE task_id = ? AND sla_type = ? AND event_type = ? AND escalation_level = ?`),
			key.TaskID, string(key.SLAType), string(key.EventType), key.EscalationLevel)
		if err != nil {
			return persistErr("renotify event", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrEventNotFound
		}
		out, err = s.getEvent(ctx, tx, key)
		return err
	})
	if err != nil {
		return model.SLAEvent{}, err
	}
	return out, nil
}

func (s *Store) CountUnpublished(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sla_events WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, persistErr("count unpublished events", err)
	}
	return n, nil
}

func (s *Store) SetEscalation(ctx context.Context, rec model.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO escalation_state (task_id, sla_type, state, level, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id, sla_type) DO UPDATE SET
			state = excluded.state,
			level = CASE WHEN excluded.level > escalation_state.level THEN excluded.level ELSE escalation_state.level END,
			updated_at = excluded.updated_at`),
		rec.TaskID, string(rec.SLAType), string(rec.State), rec.Level, toMillis(rec.UpdatedAt))
	if err != nil {
		return persistErr("set escalation", err)
	}
	return nil
}

func (s *Store) GetEscalation(ctx context.Context, taskID string, slaType model.SLAType) (model.EscalationRecord, error) {
	rec := model.EscalationRecord{TaskID: taskID, SLAType: slaType}
	var updated int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state, level, updated_at FROM escalation_state
		WHERE task_id = ? AND sla_type = ?`), taskID, string(slaType)).Scan(&rec.State, &rec.Level, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		rec.State = model.EscalationStateNone
		return rec, nil
	}
	if err != nil {
		return model.EscalationRecord{}, persistErr("get escalation", err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *Store) SaveTask(ctx context.Context, t model.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return persistErr("save task", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO task_snapshots (task_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`),
		t.ID, string(body), toMillis(t.UpdatedAt))
	if err != nil {
		return persistErr("save task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM task_snapshots WHERE task_id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.ErrTaskNotFound
	}
	if err != nil {
		return model.Task{}, persistErr("get task", err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return model.Task{}, persistErr("decode task", err)
	}
	return t, nil
}
