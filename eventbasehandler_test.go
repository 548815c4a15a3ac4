package wangle

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferingPipeline(t *testing.T, eb *EventBase) (*Pipeline, *outCapture, *OutputBufferingHandler) {
	t.Helper()
	tr := newFakeTransport()
	tr.eb = eb
	p := NewPipeline()
	capture := &outCapture{}
	buffering := &OutputBufferingHandler{}
	require.NoError(t, AddOutboundBack[[]byte, []byte](p, capture))
	require.NoError(t, AddOutboundBack[[]byte, []byte](p, buffering))
	require.NoError(t, p.Finalize())
	p.SetTransport(tr)
	return p, capture, buffering
}

func Test_OutputBufferingHandler_CoalescesWrites(t *testing.T) {
	defer leaktest.Check(t)()
	eb := NewEventBase()
	defer eb.Stop()
	p, capture, _ := bufferingPipeline(t, eb)

	var f1, f2 *Future[Void]
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		f1 = p.Write([]byte("alpha,"))
		f2 = p.Write([]byte("beta"))
	}))
	assert.Same(t, f1, f2, "buffered writers share one completion")

	_, err := f1.Wait(5 * time.Second)
	require.NoError(t, err)

	var writes [][]byte
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		writes = append([][]byte(nil), capture.writes...)
	}))
	require.Len(t, writes, 1, "one downstream write per loop turn")
	assert.Equal(t, []byte("alpha,beta"), writes[0])
}

func Test_OutputBufferingHandler_CloseFailsPendingWrites(t *testing.T) {
	defer leaktest.Check(t)()
	eb := NewEventBase()
	defer eb.Stop()
	p, capture, _ := bufferingPipeline(t, eb)

	var fut *Future[Void]
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		fut = p.Write([]byte("doomed"))
		p.Close() //nolint:errcheck
	}))
	_, err := fut.Wait(5 * time.Second)
	assert.True(t, errors.Is(err, ErrWritesPending{}))

	// the cancelled flush must not reach the transport
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {}))
	var writes int
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		writes = len(capture.writes)
	}))
	assert.Equal(t, 0, writes)
}
