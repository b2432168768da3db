package selfie

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classattend/internal/events"
	"classattend/internal/model"
	"classattend/internal/store/memory"
)

var (
	instructor = model.Actor{Kind: model.ActorInstructor, ID: "lecturer-1"}
	student    = model.Actor{Kind: model.ActorStudent, ID: "u1"}
)

func setup(t *testing.T) (*Workflow, *events.Recorder) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateSession(ctx, model.Session{ID: "s1", CourseID: "c1", MeetingNumber: 1, StartAt: start, EndAt: start.Add(time.Hour), IsActive: true}))
	require.NoError(t, st.CreateLog(ctx,
		model.AttendanceLog{ID: "l1", SessionID: "s1", StudentID: "u1", Status: model.StatusPresent, ScannedAt: start},
		&model.SelfieVerification{ID: "v1", Status: model.SelfiePending, CreatedAt: start}))
	rec := &events.Recorder{}
	return NewWorkflow(st, rec, zap.NewNop()), rec
}

func TestApprove(t *testing.T) {
	w, rec := setup(t)

	sv, err := w.Approve(context.Background(), instructor, "v1")
	require.NoError(t, err)
	assert.Equal(t, model.SelfieApproved, sv.Status)
	require.NotNil(t, sv.Verifier)
	assert.Equal(t, instructor, *sv.Verifier)
	assert.NotNil(t, sv.VerifiedAt)

	resolved := rec.OfType(events.TypeSelfieResolved)
	require.Len(t, resolved, 1)
	var payload events.SelfieResolved
	require.NoError(t, resolved[0].Decode(&payload))
	assert.False(t, payload.Invalidated)
	assert.Equal(t, "c1", payload.CourseID)
}

func TestRejectInvalidatesLog(t *testing.T) {
	w, rec := setup(t)

	_, err := w.Reject(context.Background(), instructor, "v1", "  ")
	assert.ErrorIs(t, err, model.ErrReasonRequired)

	sv, err := w.Reject(context.Background(), instructor, "v1", "face not visible")
	require.NoError(t, err)
	assert.Equal(t, "face not visible", sv.RejectionReason)

	resolved := rec.OfType(events.TypeSelfieResolved)
	require.Len(t, resolved, 1)
	var payload events.SelfieResolved
	require.NoError(t, resolved[0].Decode(&payload))
	assert.True(t, payload.Invalidated)
}

func TestTerminalStates(t *testing.T) {
	w, _ := setup(t)
	ctx := context.Background()

	_, err := w.Approve(ctx, instructor, "v1")
	require.NoError(t, err)

	_, err = w.Reject(ctx, instructor, "v1", "late change of mind")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = w.Approve(ctx, instructor, "v1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestStudentCannotVerify(t *testing.T) {
	w, rec := setup(t)

	_, err := w.Approve(context.Background(), student, "v1")
	assert.ErrorIs(t, err, model.ErrForbidden)

	sv, err := w.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, model.SelfiePending, sv.Status)
	assert.Empty(t, rec.OfType(events.TypeSelfieResolved))
}

func TestPending(t *testing.T) {
	w, _ := setup(t)
	pending, err := w.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l1", pending[0].LogID)
}

func TestForLog(t *testing.T) {
	w, _ := setup(t)
	sv, err := w.ForLog(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "v1", sv.ID)

	_, err = w.ForLog(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHashSelfie(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashSelfie(nil))
	assert.Equal(t, HashSelfie([]byte("a")), HashSelfie([]byte("a")))
}
