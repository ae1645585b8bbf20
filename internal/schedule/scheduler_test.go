package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
)

type countingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *countingRunner) FetchAndProcess(_ context.Context, userID, tenantID string) (models.FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID+"/"+userID)
	return models.FetchResult{Fetched: 5, Queued: 5}, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("not a cron", "t-1", "u-1", &countingRunner{}, logger.NewNop())
	assert.Error(t, err)

	_, err = New("0 */6 * * *", "", "u-1", &countingRunner{}, logger.NewNop())
	assert.Error(t, err)
}

func TestNextFollowsSixHourSchedule(t *testing.T) {
	s, err := New("0 */6 * * *", "t-1", "u-1", &countingRunner{}, logger.NewNop())
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), s.Next(from))
}

func TestRunOncePassesTenantAndUser(t *testing.T) {
	r := &countingRunner{}
	s, err := New("@every 1h", "t-1", "u-1", r, logger.NewNop())
	require.NoError(t, err)

	s.RunOnce(context.Background())
	r.err = errors.New("board offline")
	s.RunOnce(context.Background())

	assert.Equal(t, []string{"t-1/u-1", "t-1/u-1"}, r.calls)
}

func TestStartFiresOnSchedule(t *testing.T) {
	r := &countingRunner{}
	s, err := New("@every 1s", "t-1", "u-1", r, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return r.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}
