package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitQueueFIFO(t *testing.T) {
	wq := &WaitQueue{}
	a := &ConnectionSetupRequest{ActualSrcAddr: 2, ActualDestAddr: 5}
	b := &ConnectionSetupRequest{ActualSrcAddr: 3, ActualDestAddr: 5}
	c := &ConnectionSetupRequest{ActualSrcAddr: 4, ActualDestAddr: 5}
	wq.Enqueue(a)
	wq.Enqueue(b)
	wq.Enqueue(c)

	require.Equal(t, 3, wq.Len())
	assert.Same(t, a, wq.Dequeue())
	assert.Same(t, b, wq.Dequeue())
	assert.Same(t, c, wq.Dequeue())
	assert.Zero(t, wq.Len())
}

func TestWaitQueuePeekDoesNotRemove(t *testing.T) {
	wq := &WaitQueue{}
	a := &ConnectionSetupRequest{ActualSrcAddr: 2, ActualDestAddr: 5}
	wq.Enqueue(a)

	assert.Same(t, a, wq.Peek())
	assert.Equal(t, 1, wq.Len())
}

func TestWaitQueueEmptyReturnsNil(t *testing.T) {
	wq := &WaitQueue{}
	assert.Nil(t, wq.Peek())
	assert.Nil(t, wq.Dequeue())
	assert.Zero(t, wq.Len())
}

func TestWaitQueuePrependFrontJumpsTheLine(t *testing.T) {
	wq := &WaitQueue{}
	a := &ConnectionSetupRequest{ActualSrcAddr: 2, ActualDestAddr: 5}
	b := &ConnectionSetupRequest{ActualSrcAddr: 3, ActualDestAddr: 5}
	wq.Enqueue(a)
	wq.Enqueue(b)

	retried := &ConnectionSetupRequest{ActualSrcAddr: 4, ActualDestAddr: 5}
	wq.PrependFront(retried)

	require.Equal(t, 3, wq.Len())
	assert.Same(t, retried, wq.Dequeue())
	assert.Same(t, a, wq.Dequeue())
	assert.Same(t, b, wq.Dequeue())
}

func TestWaitQueuePrependFrontOnEmpty(t *testing.T) {
	wq := &WaitQueue{}
	a := &ConnectionSetupRequest{ActualSrcAddr: 2, ActualDestAddr: 5}
	wq.PrependFront(a)

	assert.Same(t, a, wq.Peek())
	assert.Equal(t, 1, wq.Len())
}

func TestWaitQueuePrependFrontNilPanics(t *testing.T) {
	wq := &WaitQueue{}
	assert.Panics(t, func() { wq.PrependFront(nil) })
}

func TestWaitQueueString(t *testing.T) {
	wq := &WaitQueue{}
	assert.Equal(t, "[]", wq.String())

	wq.Enqueue(&ConnectionSetupRequest{ActualSrcAddr: 2, ActualDestAddr: 5})
	wq.Enqueue(&ConnectionSetupRequest{ActualSrcAddr: 3, ActualDestAddr: 6})
	assert.Equal(t, "[2->5 3->6]", wq.String())
}
