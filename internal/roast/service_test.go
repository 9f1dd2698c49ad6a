package roast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/notify"
)

func TestStartRoast(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.StartRoast("Kenya AA")
	require.NoError(t, err)
	assert.Equal(t, "Kenya AA", r.Name)
	assert.True(t, r.StartTime.Equal(t0))
	assert.Equal(t, []string{r.ID}, f.col.started)
	assert.True(t, f.svc.Collecting())

	e, ok := f.rec.Last(notify.RoastStarted)
	require.True(t, ok)
	assert.Equal(t, StartedEvent{RoastID: r.ID, Name: "Kenya AA", StartTime: r.StartTime}, e.Payload)

	_, err = f.svc.StartRoast("second")
	assert.ErrorIs(t, err, db.ErrRoastActive)
	assert.Len(t, f.col.started, 1)

	active, err := f.svc.ActiveRoast()
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)
}

func TestStopRoast(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartRoast("")
	require.NoError(t, err)
	f.record(t, r.ID, roastProfile())

	f.clock.Set(at(600))
	stopped, err := f.svc.StopRoast(r.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RoastCompleted, stopped.Status)
	require.NotNil(t, stopped.EndTime)
	assert.True(t, stopped.EndTime.Equal(at(600)))
	assert.Equal(t, 1, f.col.stops)
	assert.Equal(t, 1, f.rec.Count(notify.RoastStopped))

	// The hindsight prediction is stored on stop.
	p, err := f.db.GetFirstCrackPrediction(r.ID)
	require.NoError(t, err)
	assert.True(t, p.Timestamp.Equal(at(310)))
	assert.InDelta(t, 0.94, p.ConfidenceScore, 1e-9)
	assert.Equal(t, len(roastProfile()), p.DataPointsAnalyzed)

	_, err = f.svc.StopRoast(r.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = f.svc.ActiveRoast()
	assert.ErrorIs(t, err, ErrNoActiveRoast)
}

func TestDetectNow_FiresOnce(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartRoast("")
	require.NoError(t, err)
	f.record(t, r.ID, crackWindow())

	res, err := f.svc.DetectNow(r.ID, at(120))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDelta(t, 0.9, res.ConfidenceScore, 1e-9)

	e, err := f.db.GetFirstCrackEvent(r.ID)
	require.NoError(t, err)
	assert.Equal(t, firstcrack.Automatic, e.DetectionMethod)
	assert.True(t, e.Timestamp.Equal(at(120)))
	require.NotNil(t, e.Temperature)
	assert.InDelta(t, 180.0, *e.Temperature, 1e-9)

	// Firing again updates the event but is not announced again.
	f.record(t, r.ID, []sample{{122, "temperature", 180.1}})
	res, err = f.svc.DetectNow(r.ID, at(122))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.rec.Count(notify.FirstCrackDetected))

	e, err = f.db.GetFirstCrackEvent(r.ID)
	require.NoError(t, err)
	assert.True(t, e.Timestamp.Equal(at(122)))
}

func TestDetectNow_NoEvent(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartRoast("")
	require.NoError(t, err)

	res, err := f.svc.DetectNow(r.ID, at(120))
	require.NoError(t, err)
	assert.Nil(t, res)

	// Data older than the lookback is ignored.
	f.record(t, r.ID, crackWindow())
	res, err = f.svc.DetectNow(r.ID, at(120).Add(DetectionLookback))
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = f.db.GetFirstCrackEvent(r.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, 0, f.rec.Count(notify.FirstCrackDetected))
}

func TestMarkFirstCrack(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartRoast("")
	require.NoError(t, err)
	f.record(t, r.ID, crackWindow())

	e, err := f.svc.MarkFirstCrack(r.ID, at(105), nil)
	require.NoError(t, err)
	assert.Equal(t, firstcrack.Manual, e.DetectionMethod)
	assert.Equal(t, 1.0, e.ConfidenceScore)
	require.NotNil(t, e.Temperature)
	assert.InDelta(t, 180.5, *e.Temperature, 1e-9)
	assert.Equal(t, 1, f.rec.Count(notify.FirstCrackMarked))

	// The latest write wins: a detector firing replaces the mark.
	res, err := f.svc.DetectNow(r.ID, at(120))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.rec.Count(notify.FirstCrackDetected))

	got, err := f.db.GetFirstCrackEvent(r.ID)
	require.NoError(t, err)
	assert.Equal(t, firstcrack.Automatic, got.DetectionMethod)
	assert.True(t, got.Timestamp.Equal(at(120)))

	// And a new mark replaces the detection.
	temp := 199.5
	e, err = f.svc.MarkFirstCrack(r.ID, at(110), &temp)
	require.NoError(t, err)
	assert.Equal(t, 199.5, *e.Temperature)

	got, err = f.db.GetFirstCrackEvent(r.ID)
	require.NoError(t, err)
	assert.Equal(t, firstcrack.Manual, got.DetectionMethod)
	assert.True(t, got.Timestamp.Equal(at(110)))
	assert.Equal(t, 1.0, got.ConfidenceScore)

	_, err = f.svc.MarkFirstCrack("missing", at(0), nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRefreshPrediction_NeverRegresses(t *testing.T) {
	t.Run("stronger stored prediction is kept", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.StartRoast("")
		require.NoError(t, err)
		f.record(t, r.ID, roastProfile())

		_, err = f.db.UpsertFirstCrackPrediction(&db.FirstCrackPrediction{
			RoastID: r.ID, Timestamp: at(200), ConfidenceScore: 0.99,
		})
		require.NoError(t, err)
		p, updated, err := f.svc.RefreshPrediction(r.ID)
		require.NoError(t, err)
		assert.False(t, updated)
		assert.InDelta(t, 0.99, p.ConfidenceScore, 1e-9)
		assert.Equal(t, 0, f.rec.Count(notify.FirstCrackPredicted))
	})

	t.Run("weaker stored prediction is replaced", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.StartRoast("")
		require.NoError(t, err)
		f.record(t, r.ID, roastProfile())

		_, err = f.db.UpsertFirstCrackPrediction(&db.FirstCrackPrediction{
			RoastID: r.ID, Timestamp: at(200), ConfidenceScore: 0.5,
		})
		require.NoError(t, err)
		p, updated, err := f.svc.RefreshPrediction(r.ID)
		require.NoError(t, err)
		assert.True(t, updated)
		assert.InDelta(t, 0.94, p.ConfidenceScore, 1e-9)
		assert.True(t, p.Timestamp.Equal(at(310)))
		assert.Equal(t, 1, f.rec.Count(notify.FirstCrackPredicted))

		// Equal confidence is written again.
		_, updated, err = f.svc.RefreshPrediction(r.ID)
		require.NoError(t, err)
		assert.True(t, updated)
	})
}

// interleavedStore stores a stronger prediction while the service is
// reading roast data, as a concurrent refresh finishing first would.
type interleavedStore struct {
	*db.DB
	once sync.Once
	p    *db.FirstCrackPrediction
}

func (s *interleavedStore) RoastData(roastID string) ([]db.DataPoint, error) {
	var err error
	s.once.Do(func() { _, err = s.DB.UpsertFirstCrackPrediction(s.p) })
	if err != nil {
		return nil, err
	}
	return s.DB.RoastData(roastID)
}

func TestRefreshPrediction_ConcurrentWriterWins(t *testing.T) {
	f := newFixture(t)
	r, err := f.db.CreateRoastSession("", t0)
	require.NoError(t, err)
	f.record(t, r.ID, roastProfile())

	_, err = f.db.UpsertFirstCrackPrediction(&db.FirstCrackPrediction{
		RoastID: r.ID, Timestamp: at(200), ConfidenceScore: 0.6,
	})
	require.NoError(t, err)

	store := &interleavedStore{DB: f.db, p: &db.FirstCrackPrediction{
		RoastID: r.ID, Timestamp: at(305), ConfidenceScore: 0.99,
	}}
	svc := NewService(store, f.col, WithClock(f.clock), WithNotifier(f.rec))

	p, updated, err := svc.RefreshPrediction(r.ID)
	require.NoError(t, err)
	assert.False(t, updated)
	require.NotNil(t, p)
	assert.InDelta(t, 0.99, p.ConfidenceScore, 1e-9)

	got, err := f.db.GetFirstCrackPrediction(r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.99, got.ConfidenceScore, 1e-9)
	assert.True(t, got.Timestamp.Equal(at(305)))
	assert.Equal(t, 0, f.rec.Count(notify.FirstCrackPredicted))
}

func TestPredictFirstCrack(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartRoast("")
	require.NoError(t, err)

	res, n, err := f.svc.PredictFirstCrack(r.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, n)

	p, updated, err := f.svc.RefreshPrediction(r.ID)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Nil(t, p)

	_, _, err = f.svc.PredictFirstCrack("missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestResumeActive(t *testing.T) {
	t.Run("nothing to resume", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.ResumeActive()
		require.NoError(t, err)
		assert.Nil(t, r)
		assert.Empty(t, f.col.resumed)
	})

	t.Run("recent roast resumes", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.db.CreateRoastSession("left running", t0)
		require.NoError(t, err)
		f.clock.Set(t0.Add(5 * time.Minute))

		r, err := f.svc.ResumeActive()
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, created.ID, r.ID)
		assert.Equal(t, []string{created.ID}, f.col.resumed)
	})

	t.Run("expired roast is ended", func(t *testing.T) {
		f := newFixture(t, WithMaxRoastTime(16*time.Minute))
		created, err := f.db.CreateRoastSession("forgotten", t0)
		require.NoError(t, err)
		f.clock.Set(t0.Add(3 * time.Hour))

		r, err := f.svc.ResumeActive()
		require.NoError(t, err)
		assert.Nil(t, r)
		assert.Empty(t, f.col.resumed)

		got, err := f.db.GetRoastSession(created.ID)
		require.NoError(t, err)
		assert.Equal(t, db.RoastCompleted, got.Status)
		assert.True(t, got.EndTime.Equal(t0.Add(16*time.Minute)))
		assert.Equal(t, []string{created.ID}, f.svc.PredictionStatus().Pending)
	})
}
