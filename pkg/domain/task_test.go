package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		task := NewTask("ocr_processing", map[string]interface{}{"sheet_id": "s-1"}, PriorityNormal)

		require.NotEmpty(t, task.ID)
		assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
		assert.Equal(t, DefaultTimeoutSeconds, task.TimeoutSeconds)
		assert.Zero(t, task.RetryCount)
		assert.Nil(t, task.ScheduledAt)
	})

	t.Run("options", func(t *testing.T) {
		task := NewTask("report_generation", nil, PriorityLow,
			WithMaxRetries(1),
			WithTimeout(30),
			WithTaskCorrelationID("corr-1"),
			WithTaskUserID("user-1"))

		assert.Equal(t, 1, task.MaxRetries)
		assert.Equal(t, 30, task.TimeoutSeconds)
		assert.Equal(t, "corr-1", task.CorrelationID)
		assert.Equal(t, "user-1", task.UserID)
	})

	t.Run("delay schedules the task", func(t *testing.T) {
		task := NewTask("ocr_processing", nil, PriorityHigh, WithDelay(60))

		require.NotNil(t, task.ScheduledAt)
		assert.Equal(t, task.CreatedAt.Add(60*time.Second), *task.ScheduledAt)
		assert.Equal(t, *task.ScheduledAt, task.Due())
	})
}

func TestTaskDue(t *testing.T) {
	task := NewTask("ocr_processing", nil, PriorityNormal)
	assert.Equal(t, task.CreatedAt, task.Due())
}

func TestTaskTimeout(t *testing.T) {
	task := NewTask("ocr_processing", nil, PriorityNormal, WithTimeout(10))
	assert.Equal(t, 10*time.Second, task.Timeout())

	task.TimeoutSeconds = 0
	assert.Equal(t, time.Duration(DefaultTimeoutSeconds)*time.Second, task.Timeout())
}

func TestTaskPriorityValid(t *testing.T) {
	for _, p := range Priorities() {
		assert.True(t, p.Valid(), string(p))
	}
	assert.False(t, TaskPriority("urgent").Valid())
}
