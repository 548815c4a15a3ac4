// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package wangle implements an asynchronous network-service framework built
around a typed, bidirectional handler pipeline.

A Pipeline is an ordered chain of handlers bound to a single connection.
Inbound byte frames enter at the front and flow forward through the
IN-capable handlers; outbound application messages enter at the back and
flow backward through the OUT-capable handlers. Each handler is wrapped in
a Context which is both the surface the handler uses to propagate events
(FireRead, FireWrite and friends) and a link node in the inbound and/or
outbound chain. Finalize wires the contexts into the two singly-linked
chains and verifies that each link's output type matches its successor's
input type.

The terminal AsyncSocketHandler bridges the pipeline to a Transport: an
asynchronous socket pinned to an EventBase (a single-goroutine run loop).
All reads, writes and event propagation for a pipeline happen on its
transport's event base; work initiated from other goroutines is bounced
onto the loop, for which the EventBaseHandler stage exists.

On top of the pipeline sits a request/response layer: a Service is an
asynchronous function from request to Future of response, and dispatchers
adapt a pipeline's read/write streams to that contract with serial,
pipelined and multiplexed disciplines on both the client and server side.

ClientBootstrap dials a remote address and produces a pipeline for the new
connection through a PipelineFactory; ServerBootstrap accepts connections
and does the same for each of them.
*/
package wangle
