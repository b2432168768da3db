package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/fraud"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/risk"
	"classattend/internal/store/memory"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

func ptr(f float64) *float64 { return &f }

type fixture struct {
	store      *memory.Store
	fraud      *fraud.Engine
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", CourseID: "c1", MeetingNumber: 1,
		StartAt: start, EndAt: start.Add(100 * time.Minute), IsActive: true,
	}))
	require.NoError(t, st.CreateLog(ctx, model.AttendanceLog{
		ID: "log-1", SessionID: "s1", StudentID: "alice",
		ScannedAt: start, ReceivedAt: start, Status: model.StatusPresent,
		Lat: ptr(-6.3461), Lon: ptr(106.6915),
		Device: model.DeviceInfo{Fingerprint: "fp-alice", MockLocation: true},
	}, nil))

	fe := fraud.NewEngine(st, &events.Recorder{}, zap.NewNop(),
		fraud.WithClock(func() time.Time { return start.Add(time.Minute) }))
	d := NewDispatcher(fe, risk.NewEngine(st, zap.NewNop()), staticSettings{config.Defaults()}, zap.NewNop(), 2)
	d.now = func() time.Time { return start.Add(time.Hour) }
	return &fixture{store: st, fraud: fe, dispatcher: d}
}

func (f *fixture) alerts(t *testing.T) []model.FraudAlert {
	t.Helper()
	alerts, err := f.store.ListAlerts(context.Background(), model.AlertFilter{})
	require.NoError(t, err)
	return alerts
}

func message(t *testing.T, typ events.Type, payload any) queue.Message {
	t.Helper()
	env, err := events.NewEnvelope(typ, payload, start)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return queue.Message{Type: string(typ), Body: body}
}

func TestRunDrivesFraudAndRisk(t *testing.T) {
	f := newFixture(t)
	q := queue.NewInMemory(8)
	pub := events.NewQueuePublisher(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.dispatcher.Run(ctx, q))
	}()

	recorded := events.ScanRecorded{LogID: "log-1", StudentID: "alice", SessionID: "s1", CourseID: "c1", Status: model.StatusPresent}
	// At-least-once delivery: the same event twice must raise one alert.
	require.NoError(t, pub.Publish(ctx, events.TypeScanRecorded, recorded))
	require.NoError(t, pub.Publish(ctx, events.TypeScanRecorded, recorded))
	require.NoError(t, pub.Publish(ctx, events.TypeSelfieSubmitted, events.SelfieSubmitted{LogID: "log-1", StudentID: "alice", SessionID: "s1"}))

	assert.Eventually(t, func() bool {
		_, err := f.store.GetScore(context.Background(), "alice", "c1")
		alerts, _ := f.store.ListAlerts(context.Background(), model.AlertFilter{})
		return err == nil && len(alerts) == 1 && q.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertGPSSpoofing, alerts[0].Type)
	score, err := f.store.GetScore(context.Background(), "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, score.PresentCount)
}

type ackingQueue struct {
	*queue.InMemory
	mu    sync.Mutex
	acked []string
}

func (q *ackingQueue) Ack(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.Type)
	return nil
}

func (q *ackingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func TestRunAcksHandledAndFailedMessages(t *testing.T) {
	f := newFixture(t)
	q := &ackingQueue{InMemory: queue.NewInMemory(4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, message(t, events.TypeScanRecorded, events.ScanRecorded{LogID: "log-1", StudentID: "alice", SessionID: "s1", CourseID: "c1"})))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "scan.recorded", Body: []byte("{not json")}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.dispatcher.Run(ctx, q))
	}()
	assert.Eventually(t, func() bool { return q.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestHandleRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.dispatcher.Handle(ctx, queue.Message{Type: "scan.recorded", Body: []byte("{not json")})
	assert.Error(t, err)

	assert.NoError(t, f.dispatcher.Handle(ctx, message(t, events.TypeScanRejected, events.ScanRejected{
		StudentID: "alice", SessionID: "missing", Reason: "session_closed",
	})))
	assert.NoError(t, f.dispatcher.Handle(ctx, message(t, events.TypeFraudAlertRaised, events.FraudAlertRaised{})))
	assert.Empty(t, f.alerts(t))

	assert.NoError(t, f.dispatcher.Handle(ctx, message(t, events.TypeLogOverridden, events.LogOverridden{
		LogID: "log-1", StudentID: "alice", SessionID: "s1", CourseID: "c1",
		From: model.StatusPresent, To: model.StatusLate,
	})))
	_, err = f.store.GetScore(ctx, "alice", "c1")
	assert.NoError(t, err)

	err = f.dispatcher.Handle(ctx, message(t, events.TypeScanRejected, events.ScanRejected{LogID: "gone", StudentID: "bob"}))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSweepOnce(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 1, f.dispatcher.SweepOnce(context.Background(), 2*time.Hour))
	assert.Equal(t, 0, f.dispatcher.SweepOnce(context.Background(), 2*time.Hour))
}
