// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package wangle

func init() {
	// The race detector slows the loops down considerably; a smaller task
	// queue keeps goroutine dumps on test failures readable.
	EventBaseQueueSize = 256
}
