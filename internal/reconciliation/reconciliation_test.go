package reconciliation

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/decision"
	"github.com/teocoin/settlement/internal/hold"
	"github.com/teocoin/settlement/internal/ledger"
	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/syncutil"
)

const (
	student = "student_1"
	teacher = "teacher_1"
)

// skewedStore reports a cached balance that disagrees with the log.
type skewedStore struct {
	ledger.Store
	user string
}

func (s *skewedStore) GetBalance(ctx context.Context, user string) (*ledger.Balance, error) {
	b, err := s.Store.GetBalance(ctx, user)
	if err != nil || user != s.user {
		return b, err
	}
	b.Available = b.Available.Add(decimal.NewFromInt(5))
	return b, nil
}

type fixture struct {
	ledger    *ledger.Ledger
	holds     *hold.Service
	snapStore *snapshot.MemoryStore
	snaps     *snapshot.Service
	decisions *decision.MemoryStore
	seq       int
}

func newFixture(t *testing.T, store ledger.Store) *fixture {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	snapStore := snapshot.NewMemoryStore()
	l := ledger.New(store)
	f := &fixture{
		ledger:    l,
		holds:     hold.NewService(l, "platform_treasury"),
		snapStore: snapStore,
		snaps:     snapshot.NewService(snapStore, syncutil.NewLocalLocker(time.Second)),
		decisions: decision.NewMemoryStore(snapStore),
	}
	_, err := l.Credit(context.Background(), student, decimal.NewFromInt(100), ledger.KindCreditMint, "seed", ledger.Refs{})
	require.NoError(t, err)
	return f
}

func (f *fixture) runner(repair bool) *Runner {
	cfg := Config{
		Ledger:    f.ledger,
		Snapshots: f.snaps,
		Decisions: f.decisions,
		Logger:    slog.Default(),
	}
	if repair {
		cfg.Holds = f.holds
	}
	return NewRunner(cfg)
}

// snapshot stores a snapshot in state with a hold of 10 TEO moved to
// holdState.
func (f *fixture) snapshot(t *testing.T, state snapshot.State, holdState ledger.HoldState) *snapshot.Snapshot {
	t.Helper()
	ctx := context.Background()
	f.seq++
	s := &snapshot.Snapshot{
		ID:         "snap_" + string(rune('a'+f.seq)),
		StudentRef: student,
		TeacherRef: teacher,
		CourseRef:  "course_1",
		State:      state,
		CreatedAt:  time.Now(),
	}
	if holdState != "" {
		h, err := f.holds.Create(ctx, student, decimal.NewFromInt(10), "discount", s.ID)
		require.NoError(t, err)
		switch holdState {
		case ledger.HoldCaptured:
			h, err = f.holds.Capture(ctx, h.ID, "")
			require.NoError(t, err)
			s.CaptureID = h.CaptureTag
		case ledger.HoldReleased:
			_, err = f.holds.Release(ctx, h.ID)
			require.NoError(t, err)
		}
		s.HoldID = h.ID
	}
	require.NoError(t, f.snapStore.Create(ctx, s, nil))
	return s
}

// link creates a decision for s. Only unfrozen snapshots can be linked.
func (f *fixture) link(t *testing.T, s *snapshot.Snapshot) {
	t.Helper()
	_, created, err := f.decisions.CreateLinked(context.Background(), &decision.Decision{
		ID:          "dec_" + s.ID,
		SnapshotRef: s.ID,
		TeacherRef:  s.TeacherRef,
		StudentRef:  s.StudentRef,
		State:       decision.StatePending,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func checks(rep *Report) []string {
	out := make([]string, 0, len(rep.Violations))
	for _, v := range rep.Violations {
		out = append(out, v.Check)
	}
	return out
}

func TestRunAll_Consistent(t *testing.T) {
	f := newFixture(t, nil)
	applied := f.snapshot(t, snapshot.StateApplied, ledger.HoldActive)
	f.link(t, applied)
	f.snapshot(t, snapshot.StateConfirmed, ledger.HoldCaptured)
	f.snapshot(t, snapshot.StateExpired, ledger.HoldReleased)
	f.snapshot(t, snapshot.StateDraft, "")

	r := f.runner(false)
	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Equal(t, 2, rep.Users, "student and treasury")
	assert.Equal(t, 4, rep.Snapshots)
	assert.Same(t, rep, r.Last())
}

func TestRunAll_LedgerMismatch(t *testing.T) {
	f := newFixture(t, &skewedStore{Store: ledger.NewMemoryStore(), user: student})

	rep, err := f.runner(false).RunAll(context.Background())
	require.NoError(t, err)

	require.False(t, rep.OK())
	assert.Contains(t, checks(rep), CheckLedgerBalance)
	assert.Equal(t, student, rep.Violations[0].Ref)
}

func TestRunAll_HoldStateMismatch(t *testing.T) {
	f := newFixture(t, nil)
	applied := f.snapshot(t, snapshot.StateApplied, ledger.HoldReleased)
	failed := f.snapshot(t, snapshot.StateFailed, ledger.HoldCaptured)

	rep, err := f.runner(false).RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Violations, 2)
	byRef := map[string]string{}
	for _, v := range rep.Violations {
		byRef[v.Ref] = v.Check
	}
	assert.Equal(t, CheckHoldState, byRef[applied.ID])
	assert.Equal(t, CheckCaptureOnce, byRef[failed.ID])
}

func TestRunAll_MissingHold(t *testing.T) {
	f := newFixture(t, nil)
	s := f.snapshot(t, snapshot.StateApplied, "")

	rep, err := f.runner(false).RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Violations, 1)
	assert.Equal(t, CheckHoldState, rep.Violations[0].Check)
	assert.Equal(t, s.ID, rep.Violations[0].Ref)
}

func TestRunAll_OrphanedHoldReported(t *testing.T) {
	f := newFixture(t, nil)
	s := f.snapshot(t, snapshot.StateSuperseded, ledger.HoldActive)

	rep, err := f.runner(false).RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Violations, 1)
	assert.Equal(t, CheckHoldState, rep.Violations[0].Check)
	assert.Zero(t, rep.ReleasedHolds)

	h, err := f.ledger.GetHold(context.Background(), s.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldActive, h.State)
}

func TestRunAll_OrphanedHoldReleased(t *testing.T) {
	f := newFixture(t, nil)
	s := f.snapshot(t, snapshot.StateSuperseded, ledger.HoldActive)

	rep, err := f.runner(true).RunAll(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Equal(t, 1, rep.ReleasedHolds)

	h, err := f.ledger.GetHold(context.Background(), s.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldReleased, h.State)
	bal, err := f.ledger.GetBalance(context.Background(), student)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))

	// The next run finds nothing to repair.
	rep, err = f.runner(true).RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.ReleasedHolds)
}

type wrongDecisions struct{}

func (wrongDecisions) Get(_ context.Context, id string) (*decision.Decision, error) {
	return &decision.Decision{ID: id, SnapshotRef: "snap_other", TeacherRef: teacher}, nil
}

func TestRunAll_DecisionLink(t *testing.T) {
	f := newFixture(t, nil)
	s := f.snapshot(t, snapshot.StateApplied, ledger.HoldActive)
	f.link(t, s)

	r := NewRunner(Config{Ledger: f.ledger, Snapshots: f.snaps, Decisions: wrongDecisions{}, Logger: slog.Default()})
	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Violations, 1)
	assert.Equal(t, CheckDecisionLink, rep.Violations[0].Check)
	assert.Equal(t, s.ID, rep.Violations[0].Ref)
}

func TestRunAll_Cancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner(false).RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	timer := NewTimer(f.runner(false), slog.Default())
	timer.warmup = 0
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.runner.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	assert.Zero(t, timer.ConsecutiveFailures())
	cancel()
	<-done
	assert.False(t, timer.Running())
}

func TestTimer_CountsDirtyRuns(t *testing.T) {
	f := newFixture(t, &skewedStore{Store: ledger.NewMemoryStore(), user: student})
	timer := NewTimer(f.runner(false), slog.Default())
	timer.warmup = 0
	timer.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return timer.ConsecutiveFailures() >= 2 }, time.Second, 5*time.Millisecond)
	timer.Stop()
}

func TestTimer_StopDuringWarmup(t *testing.T) {
	f := newFixture(t, nil)
	timer := NewTimer(f.runner(false), slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	// Stop never blocks, so it is retried until the loop is listening.
	require.Eventually(t, func() bool {
		timer.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond, "timer did not stop during warmup")
	assert.Nil(t, timer.runner.Last())
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, nil)
	router := gin.New()
	NewHandler(f.runner(false)).RegisterAdminRoutes(router.Group("/v1/admin"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/last", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/last", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
