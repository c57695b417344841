package daemon

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

const maxRetryBackoff = 5 * time.Minute

// LeaseManager owns the lease arithmetic for timer claims: who holds a
// lease, for how long, when a failed fire is retried and when it is given up.
type LeaseManager struct {
	owner        string
	leaseTTL     time.Duration
	retryBackoff time.Duration
	maxAttempts  int
	logger       *zap.Logger
}

func NewLeaseManager(owner string, cfg model.WorkerConfig, logger *zap.Logger) *LeaseManager {
	leaseSec := cfg.LeaseSec
	if leaseSec <= 0 {
		leaseSec = 60
	}
	backoffMs := cfg.RetryBackoffMs
	if backoffMs <= 0 {
		backoffMs = 1000
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseManager{
		owner:        owner,
		leaseTTL:     time.Duration(leaseSec) * time.Second,
		retryBackoff: time.Duration(backoffMs) * time.Millisecond,
		maxAttempts:  maxAttempts,
		logger:       logger.Named("lease_manager"),
	}
}

// NewOwnerID returns a lease owner id unique to this daemon process.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.ReplaceAll(host, "_", "-")
	return host + "/" + model.GenerateID(model.IDTypeOwner)
}

func (lm *LeaseManager) Owner() string { return lm.owner }

func (lm *LeaseManager) MaxAttempts() int { return lm.maxAttempts }

// ClaimRequest builds a claim for up to limit due timers at now.
func (lm *LeaseManager) ClaimRequest(now time.Time, limit int) store.ClaimRequest {
	return store.ClaimRequest{
		Owner:       lm.owner,
		Now:         now,
		LeaseTTL:    lm.leaseTTL,
		Limit:       limit,
		MaxAttempts: lm.maxAttempts,
	}
}

// RetryDelay doubles the base backoff per attempt already spent, capped at
// five minutes.
func (lm *LeaseManager) RetryDelay(attempts int) time.Duration {
	d := lm.retryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

// ShouldDeadLetter reports whether a fire that failed on its attempts-th try
// has used up its budget.
func (lm *LeaseManager) ShouldDeadLetter(attempts int) bool {
	return attempts >= lm.maxAttempts
}

// ReleaseRequest gives up the lease on a failed fire, scheduling a retry or
// dead-lettering it. Configuration errors cannot be fixed by a retry and are
// dead-lettered at once.
func (lm *LeaseManager) ReleaseRequest(fired model.Timer, cause error, now time.Time) store.ReleaseRequest {
	req := store.ReleaseRequest{
		Fence:     fired.Fence(),
		LastError: cause.Error(),
		Now:       now,
	}
	if lm.ShouldDeadLetter(fired.Attempts) || !model.IsRetryable(cause) {
		req.DeadLetter = true
		lm.logger.Warn("lease_release dead_letter",
			zap.String("timer", fired.Key().String()),
			zap.Int64("generation", fired.Generation),
			zap.Int("attempts", fired.Attempts))
		return req
	}
	req.RetryAt = now.Add(lm.RetryDelay(fired.Attempts))
	lm.logger.Info("lease_release retry",
		zap.String("timer", fired.Key().String()),
		zap.Int64("generation", fired.Generation),
		zap.Int("attempts", fired.Attempts),
		zap.Time("retry_at", req.RetryAt))
	return req
}

// IsExpired reports whether the lease on t has lapsed at now.
func (lm *LeaseManager) IsExpired(t model.Timer, now time.Time) bool {
	return store.LeaseFree(&t, now)
}
