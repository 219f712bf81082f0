package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	calls int
	ended int
	err   error
}

func (f *fakeCleaner) CleanupExpiredSessions(context.Context) (int, error) {
	f.calls++
	return f.ended, f.err
}

func TestNewCleanupTask(t *testing.T) {
	task, err := NewCleanupTask("cli")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeCleanupExpiredSessions, task.Type())

	var p CleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "cli", p.Trigger)
}

func TestCleanupHandler(t *testing.T) {
	c := &fakeCleaner{ended: 3}
	task, err := NewCleanupTask("scheduler")
	require.NoError(t, err)

	require.NoError(t, NewCleanupHandler(c).ProcessTask(context.Background(), task))
	assert.Equal(t, 1, c.calls)
}

func TestCleanupHandler_Error(t *testing.T) {
	c := &fakeCleaner{err: errors.New("database is locked")}
	task, err := NewCleanupTask("scheduler")
	require.NoError(t, err)

	err = NewCleanupHandler(c).ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestTaskHandler_BadPayload(t *testing.T) {
	c := &fakeCleaner{}
	err := NewCleanupHandler(c).ProcessTask(context.Background(),
		asynq.NewTask(TaskTypeCleanupExpiredSessions, []byte("{not json")))
	require.Error(t, err)
	assert.Zero(t, c.calls)
}

func TestCleanupQueueIsServed(t *testing.T) {
	cfg := DefaultServerConfig("localhost:6379", "", 0)

	var queue string
	for _, opt := range CleanupTaskOptions() {
		if opt.Type() == asynq.QueueOpt {
			queue, _ = opt.Value().(string)
		}
	}
	require.Equal(t, QueueCleanup, queue)
	assert.Contains(t, cfg.Queues, queue)
	assert.Len(t, cfg.Queues, 1)
}
