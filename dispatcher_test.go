package wangle

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualService hands out promises so tests control completion order.
type manualService struct {
	promises map[string]*Promise[string]
	calls    []string
}

func newManualService() *manualService {
	return &manualService{promises: make(map[string]*Promise[string])}
}

func (s *manualService) Call(req string) *Future[string] {
	p := NewPromise[string]()
	s.promises[req] = p
	s.calls = append(s.calls, req)
	return p.Future()
}

func (s *manualService) Close() *Future[Void] { return CompletedFuture(Void{}) }
func (s *manualService) IsAvailable() bool    { return true }

func clientPipeline(t *testing.T) (*Pipeline, *testTerminal[string]) {
	t.Helper()
	p := NewPipeline()
	term := &testTerminal[string]{}
	require.NoError(t, AddBack[string, string, string, string](p, term))
	require.NoError(t, p.Finalize())
	return p, term
}

func Test_SerialClientDispatcher_OneAtATime(t *testing.T) {
	p, term := clientPipeline(t)
	d := NewSerialClientDispatcher[string, string]()
	require.NoError(t, d.SetPipeline(p))

	f1 := d.Call("req1")
	assert.Equal(t, []string{"req1"}, term.writes)
	assert.False(t, f1.Completed())

	// second request while the first is in flight is a precondition failure
	f2 := d.Call("req2")
	_, err := f2.Wait(0)
	assert.True(t, errors.Is(err, ErrRequestPending{}))

	require.NoError(t, p.Read("resp1"))
	v, err := f1.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, "resp1", v)

	// the Service view drives the same slot
	svc := d.AsService()
	assert.True(t, svc.IsAvailable())

	// after completion the slot is free again
	f3 := d.Call("req3")
	require.NoError(t, p.Read("resp3"))
	v, err = f3.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, "resp3", v)
	assert.Equal(t, []string{"req1", "req3"}, term.writes)
}

func Test_SerialClientDispatcher_UnexpectedResponse(t *testing.T) {
	p, _ := clientPipeline(t)
	d := NewSerialClientDispatcher[string, string]()
	require.NoError(t, d.SetPipeline(p))
	// no pending request: the response surfaces as a read exception, which
	// the dispatcher context forwards to the end of the chain
	require.NoError(t, p.Read("stray"))
}

func Test_SerialClientDispatcher_FailsPendingOnEOF(t *testing.T) {
	p, _ := clientPipeline(t)
	d := NewSerialClientDispatcher[string, string]()
	require.NoError(t, d.SetPipeline(p))

	f := d.Call("req")
	require.NoError(t, p.ReadEOF())
	_, err := f.Wait(0)
	assert.True(t, errors.Is(err, ErrSocketClosed{}))
}

func Test_PipelinedClientDispatcher_FIFOMatching(t *testing.T) {
	p, term := clientPipeline(t)
	d := NewPipelinedClientDispatcher[string, string]()
	require.NoError(t, d.SetPipeline(p))

	f1 := d.Call("r1")
	f2 := d.Call("r2")
	f3 := d.Call("r3")
	assert.Equal(t, []string{"r1", "r2", "r3"}, term.writes)

	require.NoError(t, p.Read("a"))
	require.NoError(t, p.Read("b"))
	v1, _ := f1.Wait(0)
	v2, _ := f2.Wait(0)
	assert.Equal(t, "a", v1)
	assert.Equal(t, "b", v2)
	assert.False(t, f3.Completed())
	require.NoError(t, p.Read("c"))
	v3, _ := f3.Wait(0)
	assert.Equal(t, "c", v3)
}

func Test_PipelinedClientDispatcher_FailsAllPendingOnException(t *testing.T) {
	p, _ := clientPipeline(t)
	d := NewPipelinedClientDispatcher[string, string]()
	require.NoError(t, d.SetPipeline(p))

	f1 := d.Call("r1")
	f2 := d.Call("r2")
	boom := errors.New("conn lost")
	require.NoError(t, p.ReadException(boom))
	_, err1 := f1.Wait(0)
	_, err2 := f2.Wait(0)
	assert.True(t, errors.Is(err1, boom))
	assert.True(t, errors.Is(err2, boom))
}

func Test_ClientDispatcher_SetPipelineReplacesPrevious(t *testing.T) {
	p, _ := clientPipeline(t)
	d1 := NewSerialClientDispatcher[string, string]()
	require.NoError(t, d1.SetPipeline(p))
	d2 := NewPipelinedClientDispatcher[string, string]()
	require.NoError(t, d2.SetPipeline(p))

	// only d2 is left in the pipeline
	assert.Equal(t, 2, p.NumHandlers())
	_, found := GetHandler[*PipelinedClientDispatcher[string, string]](p)
	assert.True(t, found)
	_, found = GetHandler[*SerialClientDispatcher[string, string]](p)
	assert.False(t, found)
}

func serverPipeline(t *testing.T, dispatcher Handler[string, string, string, string]) (*Pipeline, *testTerminal[string]) {
	t.Helper()
	p := NewPipeline()
	term := &testTerminal[string]{}
	require.NoError(t, AddBack[string, string, string, string](p, term))
	require.NoError(t, AddBack[string, string, string, string](p, dispatcher))
	require.NoError(t, p.Finalize())
	return p, term
}

func Test_SerialServerDispatcher_QueuesWithoutBlocking(t *testing.T) {
	svc := newManualService()
	p, term := serverPipeline(t, NewSerialServerDispatcher[string, string](svc))

	require.NoError(t, p.Read("r1"))
	require.NoError(t, p.Read("r2"))
	require.NoError(t, p.Read("r3"))

	// one at a time: r2 is not dispatched until r1's response is written
	assert.Equal(t, []string{"r1"}, svc.calls)
	svc.promises["r1"].Complete("resp1")
	assert.Equal(t, []string{"resp1"}, term.writes)
	assert.Equal(t, []string{"r1", "r2"}, svc.calls)

	svc.promises["r2"].Complete("resp2")
	svc.promises["r3"].Complete("resp3")
	assert.Equal(t, []string{"resp1", "resp2", "resp3"}, term.writes)
}

func Test_PipelinedServerDispatcher_ReordersCompletions(t *testing.T) {
	svc := newManualService()
	p, term := serverPipeline(t, NewPipelinedServerDispatcher[string, string](svc))

	require.NoError(t, p.Read("r1"))
	require.NoError(t, p.Read("r2"))
	require.NoError(t, p.Read("r3"))
	assert.Equal(t, []string{"r1", "r2", "r3"}, svc.calls)

	svc.promises["r2"].Complete("resp2")
	assert.Empty(t, term.writes, "nothing may be written before resp1 completes")
	svc.promises["r3"].Complete("resp3")
	assert.Empty(t, term.writes)

	svc.promises["r1"].Complete("resp1")
	assert.Equal(t, []string{"resp1", "resp2", "resp3"}, term.writes)
}

func Test_PipelinedServerDispatcher_PropagatesServiceFailure(t *testing.T) {
	svc := newManualService()
	p, term := serverPipeline(t, NewPipelinedServerDispatcher[string, string](svc))

	require.NoError(t, p.Read("r1"))
	require.NoError(t, p.Read("r2"))
	boom := errors.New("service broke")
	svc.promises["r1"].Fail(boom)
	svc.promises["r2"].Complete("resp2")

	require.Len(t, term.writeErrs, 1)
	assert.True(t, errors.Is(term.writeErrs[0], boom))
	assert.Equal(t, []string{"resp2"}, term.writes)
}

func Test_MultiplexServerDispatcher_WritesInCompletionOrder(t *testing.T) {
	svc := newManualService()
	p, term := serverPipeline(t, NewMultiplexServerDispatcher[string, string](svc))

	require.NoError(t, p.Read("r1"))
	require.NoError(t, p.Read("r2"))
	require.NoError(t, p.Read("r3"))

	svc.promises["r2"].Complete("resp2")
	svc.promises["r3"].Complete("resp3")
	svc.promises["r1"].Complete("resp1")
	assert.Equal(t, []string{"resp2", "resp3", "resp1"}, term.writes)
}
