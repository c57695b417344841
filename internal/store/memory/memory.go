// Package memory is an in-process Store used by tests and single-node
// development. It offers the same fencing and lease semantics as sqlstore but
// loses its contents on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

type Store struct {
	mu          sync.Mutex
	timers      map[model.TimerKey]*model.Timer
	events      map[model.EventKey]*model.SLAEvent
	eventsByID  map[string]*model.SLAEvent
	escalations map[escKey]model.EscalationRecord
	tasks       map[string]model.Task
}

type escKey struct {
	taskID  string
	slaType model.SLAType
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		timers:      make(map[model.TimerKey]*model.Timer),
		events:      make(map[model.EventKey]*model.SLAEvent),
		eventsByID:  make(map[string]*model.SLAEvent),
		escalations: make(map[escKey]model.EscalationRecord),
		tasks:       make(map[string]model.Task),
	}
}

func (s *Store) Close() error { return nil }

// --- timers ---

func (s *Store) InsertTimers(ctx context.Context, timers []model.Timer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for i := range timers {
		t := timers[i]
		key := t.Key()
		if _, ok := s.timers[key]; ok {
			continue
		}
		if t.ID == "" {
			t.ID = model.GenerateID(model.IDTypeTimer)
		}
		if t.State == "" {
			t.State = model.TimerStatePending
		}
		s.timers[key] = &t
		inserted++
	}
	return inserted, nil
}

func (s *Store) Cancel(ctx context.Context, taskID string, purposes []model.TimerPurpose, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range purposes {
		key := model.TimerKey{TaskID: taskID, Purpose: p}
		row, ok := s.timers[key]
		if !ok {
			s.timers[key] = &model.Timer{
				ID:         model.GenerateID(model.IDTypeTimer),
				TaskID:     taskID,
				Purpose:    p,
				Generation: 1,
				State:      model.TimerStateCancelled,
				UpdatedAt:  now,
			}
			continue
		}
		row.Generation++
		row.State = model.TimerStateCancelled
		row.LeaseOwner = nil
		row.LeaseExpiresAt = nil
		row.UpdatedAt = now
	}
	return nil
}

func (s *Store) Transition(ctx context.Context, fence *model.Fence, next model.Timer, now time.Time) (model.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.timers[fence.TimerKey]
	if !store.FenceCurrent(cur, fence) {
		return model.Timer{}, model.ErrStaleTimerFire
	}

	nextKey := next.Key()
	existing, exists := s.timers[nextKey]
	if exists && nextKey != fence.TimerKey && existing.State == model.TimerStateCancelled {
		return model.Timer{}, model.ErrStaleTimerFire
	}

	if nextKey != fence.TimerKey {
		cur.State = model.TimerStateDone
		cur.LeaseOwner = nil
		cur.LeaseExpiresAt = nil
		cur.UpdatedAt = now
	}

	row := next
	row.State = model.TimerStatePending
	row.Attempts = 0
	row.LeaseOwner = nil
	row.LeaseExpiresAt = nil
	row.LastError = ""
	row.UpdatedAt = now
	if exists {
		row.ID = existing.ID
		row.Generation = existing.Generation + 1
	} else {
		row.ID = model.GenerateID(model.IDTypeTimer)
		row.Generation = 0
	}
	s.timers[nextKey] = &row
	return row, nil
}

func (s *Store) Complete(ctx context.Context, fence *model.Fence, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.timers[fence.TimerKey]
	if !store.FenceCurrent(cur, fence) {
		return model.ErrStaleTimerFire
	}
	if err := model.ValidateTimerTransition(cur.State, model.TimerStateDone); err != nil {
		return err
	}
	cur.State = model.TimerStateDone
	cur.LeaseOwner = nil
	cur.LeaseExpiresAt = nil
	cur.UpdatedAt = now
	return nil
}

func (s *Store) Current(ctx context.Context, key model.TimerKey) (model.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.timers[key]
	if !ok {
		return model.Timer{}, model.ErrTimerNotFound
	}
	return cloneTimer(row), nil
}

func (s *Store) ListTimers(ctx context.Context, taskID string) ([]model.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Timer
	for _, p := range model.AllPurposes {
		if row, ok := s.timers[model.TimerKey{TaskID: taskID, Purpose: p}]; ok {
			out = append(out, cloneTimer(row))
		}
	}
	return out, nil
}

func (s *Store) ClaimDue(ctx context.Context, req store.ClaimRequest) ([]model.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Timer
	for _, row := range s.timers {
		if row.State != model.TimerStatePending || row.FireAt.After(req.Now) {
			continue
		}
		if !store.LeaseFree(row, req.Now) {
			continue
		}
		if req.MaxAttempts > 0 && row.Attempts >= req.MaxAttempts {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].Key().String() < due[j].Key().String()
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	expires := req.Now.Add(req.LeaseTTL)
	claimed := make([]model.Timer, 0, len(due))
	for _, row := range due {
		owner := req.Owner
		exp := expires
		row.LeaseOwner = &owner
		row.LeaseExpiresAt = &exp
		row.Attempts++
		row.UpdatedAt = req.Now
		claimed = append(claimed, cloneTimer(row))
	}
	return claimed, nil
}

func (s *Store) Release(ctx context.Context, req store.ReleaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.timers[req.Fence.TimerKey]
	if !store.FenceCurrent(cur, req.Fence) {
		return model.ErrStaleTimerFire
	}
	cur.LeaseOwner = nil
	cur.LeaseExpiresAt = nil
	cur.LastError = req.LastError
	cur.UpdatedAt = req.Now
	if req.DeadLetter {
		cur.State = model.TimerStateDeadLetter
		return nil
	}
	cur.FireAt = req.RetryAt
	return nil
}

func (s *Store) DeadLetterExhausted(ctx context.Context, maxAttempts int, now time.Time) ([]model.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Timer
	if maxAttempts <= 0 {
		return out, nil
	}
	for _, row := range s.timers {
		if row.State != model.TimerStatePending || row.Attempts < maxAttempts || !store.LeaseFree(row, now) {
			continue
		}
		row.State = model.TimerStateDeadLetter
		row.LeaseOwner = nil
		row.LeaseExpiresAt = nil
		if row.LastError == "" {
			row.LastError = "lease expired without completion"
		}
		row.UpdatedAt = now
		out = append(out, cloneTimer(row))
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, key model.TimerKey, fireAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.timers[key]
	if !ok {
		return model.ErrTimerNotFound
	}
	if row.State != model.TimerStateDeadLetter {
		return fmt.Errorf("requeue %s: timer is %s, not %s", key, row.State, model.TimerStateDeadLetter)
	}
	row.State = model.TimerStatePending
	row.Attempts = 0
	row.FireAt = fireAt
	row.UpdatedAt = now
	return nil
}

func (s *Store) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, row := range s.timers {
		if row.State != model.TimerStatePending {
			continue
		}
		at := row.FireAt
		if row.LeaseOwner != nil && row.LeaseExpiresAt != nil && row.LeaseExpiresAt.After(at) {
			at = *row.LeaseExpiresAt
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found, nil
}

func (s *Store) CountByState(ctx context.Context) (map[model.TimerState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.TimerState]int)
	for _, row := range s.timers {
		counts[row.State]++
	}
	return counts, nil
}

// --- ledger ---

func (s *Store) InsertEvent(ctx context.Context, ev model.SLAEvent, fence *model.Fence) (model.SLAEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fence != nil && !store.FenceCurrent(s.timers[fence.TimerKey], fence) {
		return model.SLAEvent{}, false, model.ErrStaleTimerFire
	}
	if existing, ok := s.events[ev.Key()]; ok {
		return *existing, false, nil
	}
	if ev.ID == "" {
		ev.ID = model.GenerateID(model.IDTypeEvent)
	}
	ev.PublishedAt = nil
	ev.NotifyCount = 1
	row := ev
	s.events[ev.Key()] = &row
	s.eventsByID[ev.ID] = &row
	return row, true, nil
}

func (s *Store) GetEvent(ctx context.Context, key model.EventKey) (model.SLAEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[key]
	if !ok {
		return model.SLAEvent{}, store.ErrEventNotFound
	}
	return *ev, nil
}

func (s *Store) ListEvents(ctx context.Context, taskID string) ([]model.SLAEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SLAEvent
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, *ev)
		}
	}
	store.SortEvents(out)
	return out, nil
}

func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]model.SLAEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SLAEvent
	for _, ev := range s.events {
		if ev.PublishedAt == nil {
			out = append(out, *ev)
		}
	}
	store.SortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventsByID[id]
	if !ok {
		return store.ErrEventNotFound
	}
	ts := at
	ev.PublishedAt = &ts
	return nil
}

func (s *Store) Renotify(ctx context.Context, key model.EventKey, fence *model.Fence) (model.SLAEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fence != nil && !store.FenceCurrent(s.timers[fence.TimerKey], fence) {
		return model.SLAEvent{}, model.ErrStaleTimerFire
	}
	ev, ok := s.events[key]
	if !ok {
		return model.SLAEvent{}, store.ErrEventNotFound
	}
	ev.NotifyCount++
	ev.PublishedAt = nil
	return *ev, nil
}

func (s *Store) CountUnpublished(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if ev.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

// --- escalation state ---

func (s *Store) SetEscalation(ctx context.Context, rec model.EscalationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := escKey{rec.TaskID, rec.SLAType}
	if cur, ok := s.escalations[k]; ok && cur.Level > rec.Level {
		rec.Level = cur.Level
	}
	s.escalations[k] = rec
	return nil
}

func (s *Store) GetEscalation(ctx context.Context, taskID string, slaType model.SLAType) (model.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.escalations[escKey{taskID, slaType}]; ok {
		return rec, nil
	}
	return model.EscalationRecord{TaskID: taskID, SLAType: slaType, State: model.EscalationStateNone}, nil
}

// --- task snapshots ---

func (s *Store) SaveTask(ctx context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, model.ErrTaskNotFound
	}
	return t, nil
}

func cloneTimer(t *model.Timer) model.Timer {
	c := *t
	if t.LeaseOwner != nil {
		o := *t.LeaseOwner
		c.LeaseOwner = &o
	}
	if t.LeaseExpiresAt != nil {
		e := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &e
	}
	return c
}
