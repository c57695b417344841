package taskstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/msageha/slawarden/internal/model"
)

// HTTP queries the task service at GET {base}/tasks/{id}/status.
type HTTP struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *zap.Logger
}

type HTTPConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

func NewHTTP(cfg HTTPConfig, logger *zap.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("taskstatus")

	h := &HTTP{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:  logger,
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "task-status",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// A missing task is an answer, not a failure of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, model.ErrTaskNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return h
}

// GetTaskStatus coalesces concurrent lookups of the same task.
func (h *HTTP) GetTaskStatus(ctx context.Context, taskID string) (model.TaskStatusView, error) {
	v, err, _ := h.group.Do(taskID, func() (interface{}, error) {
		return h.breaker.Execute(func() (interface{}, error) {
			return h.fetch(ctx, taskID)
		})
	})
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) || errors.Is(err, model.ErrTransientLookup) {
			return model.TaskStatusView{}, err
		}
		return model.TaskStatusView{}, fmt.Errorf("task %s: %w: %w", taskID, model.ErrTransientLookup, err)
	}
	return v.(model.TaskStatusView), nil
}

func (h *HTTP) fetch(ctx context.Context, taskID string) (model.TaskStatusView, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return model.TaskStatusView{}, fmt.Errorf("%w: rate limit wait: %w", model.ErrTransientLookup, err)
	}

	endpoint := fmt.Sprintf("%s/tasks/%s/status", h.base, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.TaskStatusView{}, fmt.Errorf("%w: build request: %w", model.ErrTransientLookup, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return model.TaskStatusView{}, fmt.Errorf("%w: %w", model.ErrTransientLookup, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.TaskStatusView{}, fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.TaskStatusView{}, fmt.Errorf("%w: status %d: %s", model.ErrTransientLookup, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var view model.TaskStatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return model.TaskStatusView{}, fmt.Errorf("%w: decode status: %w", model.ErrTransientLookup, err)
	}
	if view.TaskID == "" {
		view.TaskID = taskID
	}
	if !model.IsKnownTaskStatus(view.Status) {
		return model.TaskStatusView{}, fmt.Errorf("%w: unknown status %q for task %s", model.ErrTransientLookup, view.Status, taskID)
	}
	h.logger.Debug("task status fetched", zap.String("task_id", taskID), zap.String("status", string(view.Status)))
	return view, nil
}
