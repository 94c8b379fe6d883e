package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	pingErr  error
	countErr error
	turns    int64
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) CountTurns(ctx context.Context) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.turns, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestCheck_AllHealthy(t *testing.T) {
	probe := NewProbe(&fakeStore{turns: 12}, &fakePinger{}, time.Second, zaptest.NewLogger(t))

	st := probe.Check(context.Background())
	assert.True(t, st.StoreReachable)
	assert.True(t, st.ProviderReachable)
	assert.Equal(t, int64(12), st.Turns)
	assert.False(t, st.CheckedAt.IsZero())
}

func TestCheck_StoreDown(t *testing.T) {
	probe := NewProbe(&fakeStore{pingErr: errors.New("connection refused")}, &fakePinger{}, time.Second, zaptest.NewLogger(t))

	st := probe.Check(context.Background())
	assert.False(t, st.StoreReachable)
	assert.True(t, st.ProviderReachable)
	assert.Zero(t, st.Turns)
}

func TestCheck_ProviderDown(t *testing.T) {
	probe := NewProbe(&fakeStore{turns: 3}, &fakePinger{err: errors.New("401")}, time.Second, zaptest.NewLogger(t))

	st := probe.Check(context.Background())
	assert.True(t, st.StoreReachable)
	assert.False(t, st.ProviderReachable)
	assert.Equal(t, int64(3), st.Turns)
}

func TestCheck_CountFailureStillReachable(t *testing.T) {
	probe := NewProbe(&fakeStore{countErr: errors.New("slow query")}, &fakePinger{}, time.Second, zaptest.NewLogger(t))

	st := probe.Check(context.Background())
	assert.True(t, st.StoreReachable, "count is best-effort once ping succeeds")
	assert.Zero(t, st.Turns)
}
