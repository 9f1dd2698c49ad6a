package roast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPredictions_Trigger(t *testing.T) {
	f := newFixture(t, WithPredictionInterval(time.Hour))
	r, err := f.db.CreateRoastSession("done", t0)
	require.NoError(t, err)
	f.record(t, r.ID, roastProfile())
	_, err = f.db.EndRoastSession(r.ID, at(600))
	require.NoError(t, err)

	// Triggers before the loop runs coalesce into one pass.
	f.svc.TriggerPrediction(r.ID)
	f.svc.TriggerPrediction(r.ID)
	assert.Equal(t, []string{r.ID}, f.svc.PredictionStatus().Pending)
	assert.Len(t, f.svc.predictions.trigger, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.svc.RunPredictions(ctx) }()

	require.Eventually(t, func() bool {
		return f.svc.PredictionStatus().RunCount >= 1
	}, 2*time.Second, 5*time.Millisecond)

	p, err := f.db.GetFirstCrackPrediction(r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.94, p.ConfidenceScore, 1e-9)

	status := f.svc.PredictionStatus()
	assert.True(t, status.Running)
	assert.Empty(t, status.Pending)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "manual", status.LastRun.Trigger)
	assert.Equal(t, []string{r.ID}, status.LastRun.RoastIDs)
	assert.Equal(t, 1, status.LastRun.Updated)
	assert.Empty(t, status.LastRunError)

	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("prediction loop did not exit")
	}
	assert.False(t, f.svc.PredictionStatus().Running)
}

func TestRunPredictions_PeriodicRefreshesActiveRoast(t *testing.T) {
	f := newFixture(t, WithPredictionInterval(30*time.Second))
	r, err := f.svc.StartRoast("live")
	require.NoError(t, err)
	f.record(t, r.ID, roastProfile())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.RunPredictions(ctx)

	require.Eventually(t, func() bool {
		return f.svc.PredictionStatus().Running
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		f.clock.Advance(30 * time.Second)
		return f.svc.PredictionStatus().RunCount >= 1
	}, 2*time.Second, 10*time.Millisecond)

	status := f.svc.PredictionStatus()
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "periodic", status.LastRun.Trigger)
	assert.Equal(t, []string{r.ID}, status.LastRun.RoastIDs)

	_, err = f.db.GetFirstCrackPrediction(r.ID)
	assert.NoError(t, err)
}
