package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classattend/internal/model"
	"classattend/internal/store/memory"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newManager(t *testing.T) (*Manager, *memory.Store, *clock) {
	t.Helper()
	st := memory.New()
	require.NoError(t, st.CreateSession(context.Background(), model.Session{
		ID: "s1", CourseID: "c1", MeetingNumber: 1,
		StartAt: start, EndAt: start.Add(2 * time.Hour), IsActive: true,
	}))
	clk := &clock{t: start}
	return NewManager(st, zap.NewNop(), WithClock(clk.Now)), st, clk
}

func TestIssue(t *testing.T) {
	m, _, _ := newManager(t)

	tok, err := m.Issue(context.Background(), "s1", 180*time.Second)
	require.NoError(t, err)
	assert.Len(t, tok.Value, 32)
	assert.Equal(t, start.Add(180*time.Second), tok.ExpiresAt)

	_, err = m.Issue(context.Background(), "nope", time.Minute)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIssueClosedSession(t *testing.T) {
	m, st, _ := newManager(t)
	require.NoError(t, st.SetSessionActive(context.Background(), "s1", false))

	_, err := m.Issue(context.Background(), "s1", time.Minute)
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}

func TestIsValidBoundary(t *testing.T) {
	tok := model.Token{ExpiresAt: start}
	assert.True(t, IsValid(tok, start))
	assert.False(t, IsValid(tok, start.Add(time.Nanosecond)))
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newManager(t)

	_, err := m.Current(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	tok, err := m.Issue(ctx, "s1", time.Minute)
	require.NoError(t, err)
	cur, err := m.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, cur.ID)

	clk.Set(start.Add(time.Minute + time.Second))
	_, err = m.Current(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveSupersession(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newManager(t)

	a, err := m.Issue(ctx, "s1", 180*time.Second)
	require.NoError(t, err)
	clk.Set(start.Add(60 * time.Second))
	b, err := m.Issue(ctx, "s1", 180*time.Second)
	require.NoError(t, err)

	at := start.Add(90 * time.Second)
	_, v, err := m.Resolve(ctx, "s1", a.Value, at)
	require.NoError(t, err)
	assert.Equal(t, Superseded, v)

	got, v, err := m.Resolve(ctx, "s1", b.Value, at)
	require.NoError(t, err)
	assert.Equal(t, Valid, v)
	assert.Equal(t, b.ID, got.ID)

	_, v, err = m.Resolve(ctx, "s1", b.Value, b.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, Valid, v)

	_, v, err = m.Resolve(ctx, "s1", b.Value, b.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Expired, v)

	_, v, err = m.Resolve(ctx, "s1", "UNKNOWN", at)
	require.NoError(t, err)
	assert.Equal(t, Mismatch, v)

	history, err := m.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, b.ID, history[0].ID)
}

func TestResolveNoToken(t *testing.T) {
	m, _, _ := newManager(t)
	_, v, err := m.Resolve(context.Background(), "s1", "ANY", start)
	require.NoError(t, err)
	assert.Equal(t, Mismatch, v)
}

func TestConcurrentIssueHasOneCurrent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	var wg sync.WaitGroup
	issued := make(chan model.Token, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Issue(ctx, "s1", time.Minute)
			if assert.NoError(t, err) {
				issued <- tok
			}
		}()
	}
	wg.Wait()
	close(issued)

	valid := 0
	for tok := range issued {
		_, v, err := m.Resolve(ctx, "s1", tok.Value, start)
		require.NoError(t, err)
		if v == Valid {
			valid++
		} else {
			assert.Equal(t, Superseded, v)
		}
	}
	assert.Equal(t, 1, valid)
}
