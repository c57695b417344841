package daemon

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/model"
)

func newTestLeaseManager(t *testing.T) *LeaseManager {
	return NewLeaseManager("host/owner-1", model.WorkerConfig{
		LeaseSec:       60,
		MaxAttempts:    3,
		RetryBackoffMs: 1000,
	}, zaptest.NewLogger(t))
}

func claimedTimer(attempts int) model.Timer {
	owner := "host/owner-1"
	exp := t0.Add(time.Minute)
	return model.Timer{
		TaskID:         "T-1",
		Purpose:        model.PurposeStartCheck,
		SLAType:        model.SLATypeStart,
		FireAt:         t0,
		Generation:     2,
		Attempts:       attempts,
		State:          model.TimerStatePending,
		LeaseOwner:     &owner,
		LeaseExpiresAt: &exp,
	}
}

func TestLeaseManager_Defaults(t *testing.T) {
	lm := NewLeaseManager("o", model.WorkerConfig{}, nil)
	assert.Equal(t, model.DefaultMaxAttempts, lm.MaxAttempts())

	req := lm.ClaimRequest(t0, 10)
	assert.Equal(t, "o", req.Owner)
	assert.Equal(t, 60*time.Second, req.LeaseTTL)
	assert.Equal(t, 10, req.Limit)
	assert.Equal(t, model.DefaultMaxAttempts, req.MaxAttempts)
	assert.Equal(t, time.Second, lm.RetryDelay(1))
}

func TestLeaseManager_RetryDelayDoublesAndCaps(t *testing.T) {
	lm := newTestLeaseManager(t)
	assert.Equal(t, 1*time.Second, lm.RetryDelay(0))
	assert.Equal(t, 1*time.Second, lm.RetryDelay(1))
	assert.Equal(t, 2*time.Second, lm.RetryDelay(2))
	assert.Equal(t, 4*time.Second, lm.RetryDelay(3))
	assert.Equal(t, maxRetryBackoff, lm.RetryDelay(20))
}

func TestLeaseManager_ReleaseRequestRetries(t *testing.T) {
	lm := newTestLeaseManager(t)
	fired := claimedTimer(1)
	cause := fmt.Errorf("lookup: %w", model.ErrTransientLookup)

	req := lm.ReleaseRequest(fired, cause, t0)
	assert.False(t, req.DeadLetter)
	assert.Equal(t, t0.Add(time.Second), req.RetryAt)
	assert.Equal(t, cause.Error(), req.LastError)
	require.NotNil(t, req.Fence)
	assert.Equal(t, int64(2), req.Fence.Generation)
	assert.Equal(t, "host/owner-1", req.Fence.Owner)
}

func TestLeaseManager_ReleaseRequestDeadLettersAtMaxAttempts(t *testing.T) {
	lm := newTestLeaseManager(t)
	req := lm.ReleaseRequest(claimedTimer(3), model.ErrPersistence, t0)
	assert.True(t, req.DeadLetter)
	assert.True(t, req.RetryAt.IsZero())
}

func TestLeaseManager_ConfigurationErrorsDeadLetterImmediately(t *testing.T) {
	lm := newTestLeaseManager(t)
	cause := fmt.Errorf("%w: bad sla", model.ErrConfiguration)
	req := lm.ReleaseRequest(claimedTimer(1), cause, t0)
	assert.True(t, req.DeadLetter)
}

func TestLeaseManager_UnclassifiedErrorsAreRetried(t *testing.T) {
	lm := newTestLeaseManager(t)
	req := lm.ReleaseRequest(claimedTimer(1), errors.New("boom"), t0)
	assert.False(t, req.DeadLetter)
}

func TestLeaseManager_IsExpired(t *testing.T) {
	lm := newTestLeaseManager(t)
	fired := claimedTimer(1)
	assert.False(t, lm.IsExpired(fired, t0.Add(30*time.Second)))
	assert.True(t, lm.IsExpired(fired, t0.Add(time.Minute)))

	fired.LeaseOwner = nil
	assert.True(t, lm.IsExpired(fired, t0))
}

func TestNewOwnerID(t *testing.T) {
	a, b := NewOwnerID(), NewOwnerID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "/"))
	assert.False(t, strings.Contains(strings.SplitN(a, "/", 2)[0], "_"))
}
