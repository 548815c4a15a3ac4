// Package wangle implements a typed, bidirectional handler pipeline with a
// request/response dispatch layer on top.
package wangle

import "time"

const (
	// DefaultReadBufferMinAvailable is the minimum spare capacity the read
	// callback asks the byte queue to provide before a read.
	DefaultReadBufferMinAvailable = 2048
	// DefaultReadBufferAllocationSize is the slab size the byte queue
	// allocates when it needs more spare capacity.
	DefaultReadBufferAllocationSize = 2048
	// DefaultConnectTimeout is how long a client bootstrap waits for a dial.
	DefaultConnectTimeout = time.Second * 60
	// DefaultWriteQueueSize is the per-transport buffered write queue depth.
	DefaultWriteQueueSize = 64
	// DefaultCodelInterval is the sliding window of the overload detector.
	DefaultCodelInterval = time.Millisecond * 100
	// DefaultCodelTargetDelay is the queueing delay the overload detector
	// tries to keep the window minimum below.
	DefaultCodelTargetDelay = time.Millisecond * 5
)

var (
	// EventBaseQueueSize is the buffered depth of an event base's task queue.
	EventBaseQueueSize = 1024
	// MaxAcceptBackoff is the longest delay between retries when Accept
	// returns a temporary error.
	MaxAcceptBackoff = time.Second
)
