// Package notify raises desktop notifications for SLA notices on the daemon host.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/model"
)

// Runner executes a notification command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DesktopSink shows breach and escalation notices via osascript on macOS and
// notify-send elsewhere. Delivery failures are logged, never returned: a
// missing notification daemon must not hold events in the outbox.
type DesktopSink struct {
	goos   string
	run    Runner
	topics map[events.Topic]bool
	logger *zap.Logger
}

func NewDesktopSink(cfg model.NotifyConfig, logger *zap.Logger) *DesktopSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	topics := make(map[events.Topic]bool)
	for _, t := range cfg.Topics {
		topics[events.Topic(t)] = true
	}
	if len(topics) == 0 {
		topics[events.TopicBreach] = true
		topics[events.TopicEscalation] = true
	}
	return &DesktopSink{goos: runtime.GOOS, run: execRunner, topics: topics, logger: logger.Named("notify")}
}

func (s *DesktopSink) Name() string { return "desktop" }

func (s *DesktopSink) Deliver(ctx context.Context, n events.Notice) error {
	if !s.topics[n.Topic()] {
		return nil
	}
	title, message := Format(n)
	if err := s.send(ctx, title, message); err != nil {
		s.logger.Warn("desktop notification failed",
			zap.String("task_id", n.Event().TaskID),
			zap.Error(err))
	}
	return nil
}

// Format renders the notification title and body for n.
func Format(n events.Notice) (string, string) {
	ev := n.Event()
	switch n.(type) {
	case events.Escalation:
		return fmt.Sprintf("SLA escalation L%d: %s", ev.EscalationLevel, ev.TaskID),
			fmt.Sprintf("%s breached %s; notifying %s", ev.SLAType, ev.ExpectedDeadline.Local().Format("15:04"), ev.Recipient)
	case events.Breach:
		return fmt.Sprintf("SLA breach: %s", ev.TaskID),
			fmt.Sprintf("%s deadline %s passed", ev.SLAType, ev.ExpectedDeadline.Local().Format("15:04"))
	default:
		return fmt.Sprintf("SLA warning: %s", ev.TaskID),
			fmt.Sprintf("%s deadline at %s", ev.SLAType, ev.ExpectedDeadline.Local().Format("15:04"))
	}
}

func (s *DesktopSink) send(ctx context.Context, title, message string) error {
	var name string
	var args []string
	if s.goos == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		name, args = "osascript", []string{"-e", script}
	} else {
		name, args = "notify-send", []string{"--app-name=slawarden", title, message}
	}
	if out, err := s.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
