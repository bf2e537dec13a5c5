package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskSkipped.Terminal())

	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
}
