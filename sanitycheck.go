// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

// sanity check the configuration
func init() {
	if EventBaseQueueSize < 1 {
		panic("EventBaseQueueSize < 1")
	}
	if DefaultReadBufferMinAvailable < 1 {
		panic("DefaultReadBufferMinAvailable < 1")
	}
	if DefaultReadBufferAllocationSize < DefaultReadBufferMinAvailable {
		panic("DefaultReadBufferAllocationSize < DefaultReadBufferMinAvailable")
	}
	if MaxAcceptBackoff <= 0 {
		panic("MaxAcceptBackoff <= 0")
	}
}
