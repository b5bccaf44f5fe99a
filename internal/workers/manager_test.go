package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManagerLifecycle(t *testing.T) {
	wm := NewWorkerManager(10)

	ok := models.NewJob(models.JobTypeCollect, "octo/app")
	failing := models.NewJob(models.JobTypeSend, "octo/app")
	panicking := models.NewJob(models.JobTypeSend, "custom")

	require.NoError(t, wm.Start(ok, func(ctx context.Context) error { return nil }))
	require.NoError(t, wm.Start(failing, func(ctx context.Context) error { return errors.New("smtp down") }))
	require.NoError(t, wm.Start(panicking, func(ctx context.Context) error { panic("boom") }))
	wm.Wait()

	got, found := wm.GetJob(ok.ID)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	got, found = wm.GetJob(failing.ID)
	require.True(t, found)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "smtp down", *got.ErrorMessage)

	got, found = wm.GetJob(panicking.ID)
	require.True(t, found)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "boom")

	assert.Len(t, wm.ListJobs(), 3)
	_, found = wm.GetJob("missing")
	assert.False(t, found)
}

func TestWorkerManagerStopAllCancelsJobs(t *testing.T) {
	wm := NewWorkerManager(10)
	started := make(chan struct{})

	job := models.NewJob(models.JobTypeCollect, "octo/app")
	require.NoError(t, wm.Start(job, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	require.NoError(t, wm.StopAll(time.Second))

	got, _ := wm.GetJob(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestWorkerManagerHistoryEviction(t *testing.T) {
	wm := NewWorkerManager(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, wm.Start(models.NewJob(models.JobTypeCollect, "octo/app"), func(ctx context.Context) error { return nil }))
		wm.Wait()
	}
	assert.Len(t, wm.ListJobs(), 2)
}

func TestWorkerManagerRejectsJobsAfterStop(t *testing.T) {
	wm := NewWorkerManager(10)
	require.NoError(t, wm.StopAll(time.Second))

	ran := false
	job := models.NewJob(models.JobTypeSend, "octo/app")
	err := wm.Start(job, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrShuttingDown)

	wm.Wait()
	assert.False(t, ran)
	_, found := wm.GetJob(job.ID)
	assert.False(t, found)
}
