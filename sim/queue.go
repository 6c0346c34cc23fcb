// Implements the WaitQueue, which holds connection setup requests
// waiting for their egress interface to free up. Requests are enqueued
// on arrival.

package sim

import (
	"fmt"
	"strings"
)

// WaitQueue is a FIFO of ConnectionSetupRequests pending behind one
// egress interface. The ConnectionManager keeps one per interface and
// drains it as reservations release.
type WaitQueue struct {
	queue []*ConnectionSetupRequest
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(req *ConnectionSetupRequest) {
	wq.queue = append(wq.queue, req)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, req := range wq.queue {
		sb.WriteString(fmt.Sprintf("%d->%d", req.ActualSrcAddr, req.ActualDestAddr))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *ConnectionSetupRequest {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the request at the front of the queue.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Dequeue() *ConnectionSetupRequest {
	if len(wq.queue) == 0 {
		return nil
	}
	req := wq.queue[0]
	wq.queue = wq.queue[1:]
	return req
}

// PrependFront inserts a request at the front of the queue. A request
// whose relay attempt failed goes back to the head for the next retry.
func (wq *WaitQueue) PrependFront(req *ConnectionSetupRequest) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	wq.queue = append([]*ConnectionSetupRequest{req}, wq.queue...)
}
