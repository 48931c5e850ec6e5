package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextWithTestDeadline_HasDeadline(t *testing.T) {
	ctx, cancel := ContextWithTestDeadline(t, 100*time.Millisecond)
	defer cancel()

	deadline, ok := ctx.Deadline()
	assert.True(t, ok, "context should have deadline")
	assert.Greater(t, time.Until(deadline), time.Duration(0))
}

func TestContextWithTestDeadlineBuffer_HugeBufferFallsBack(t *testing.T) {
	fallback := 200 * time.Millisecond
	ctx, cancel := ContextWithTestDeadlineBuffer(t, fallback, 1000*time.Hour)
	defer cancel()

	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.InDelta(t, fallback.Seconds(), time.Until(deadline).Seconds(), 0.1)
}

func TestRunAndAgentContexts(t *testing.T) {
	ctx, cancel := RunContext(t)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	ctx2, cancel2 := AgentContext(t)
	defer cancel2()
	_, ok = ctx2.Deadline()
	assert.True(t, ok)
}
