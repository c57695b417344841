package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/model"
)

type call struct {
	name string
	args []string
}

func recordingSink(t *testing.T, cfg model.NotifyConfig, goos string, err error) (*DesktopSink, *[]call) {
	t.Helper()
	var calls []call
	s := NewDesktopSink(cfg, zaptest.NewLogger(t))
	s.goos = goos
	s.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, call{name, args})
		if err != nil {
			return []byte("no display"), err
		}
		return nil, nil
	}
	return s, &calls
}

func breach(taskID string) events.Notice {
	return events.NoticeFor(model.SLAEvent{
		TaskID:           taskID,
		EventType:        model.EventStartBreach,
		SLAType:          model.SLATypeStart,
		ExpectedDeadline: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
	})
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.input), tt.input)
	}
}

func TestDesktopSink_DefaultTopics(t *testing.T) {
	s, calls := recordingSink(t, model.NotifyConfig{Desktop: true}, "linux", nil)
	ctx := context.Background()

	warning := events.NoticeFor(model.SLAEvent{TaskID: "T", EventType: model.EventStartWarning})
	require.NoError(t, s.Deliver(ctx, warning))
	assert.Empty(t, *calls, "warnings are not shown by default")

	require.NoError(t, s.Deliver(ctx, breach("INC-1")))
	require.Len(t, *calls, 1)
	assert.Equal(t, "notify-send", (*calls)[0].name)
	assert.Contains(t, (*calls)[0].args, "SLA breach: INC-1")
}

func TestDesktopSink_ConfiguredTopics(t *testing.T) {
	s, calls := recordingSink(t, model.NotifyConfig{Topics: []string{string(events.TopicWarning)}}, "linux", nil)
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, breach("INC-1")))
	require.NoError(t, s.Deliver(ctx, events.NoticeFor(model.SLAEvent{TaskID: "T", EventType: model.EventResolveWarning})))
	require.Len(t, *calls, 1)
	assert.Contains(t, (*calls)[0].args, "SLA warning: T")
}

func TestDesktopSink_MacOSScriptIsEscaped(t *testing.T) {
	s, calls := recordingSink(t, model.NotifyConfig{}, "darwin", nil)
	require.NoError(t, s.Deliver(context.Background(), breach(`INC-"9"`)))
	require.Len(t, *calls, 1)
	assert.Equal(t, "osascript", (*calls)[0].name)
	assert.Contains(t, (*calls)[0].args[1], `SLA breach: INC-\"9\"`)
}

func TestDesktopSink_FailureIsNotReturned(t *testing.T) {
	s, calls := recordingSink(t, model.NotifyConfig{}, "linux", errors.New("exit status 1"))
	assert.NoError(t, s.Deliver(context.Background(), breach("INC-1")))
	assert.Len(t, *calls, 1)
}

func TestFormat_Escalation(t *testing.T) {
	n := events.NoticeFor(model.SLAEvent{
		TaskID:          "INC-1",
		EventType:       model.EventEscalation,
		SLAType:         model.SLATypeStart,
		EscalationLevel: 2,
		Recipient:       "manager",
	})
	title, body := Format(n)
	assert.Equal(t, "SLA escalation L2: INC-1", title)
	assert.Contains(t, body, "notifying manager")
}
