package wangle

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decoderPipeline builds front → decoder → sink and returns the sink.
func decoderPipeline(t *testing.T, dec FrameDecoder) (*Pipeline, *testSink[[]byte]) {
	t.Helper()
	p := NewPipeline()
	sink := &testSink[[]byte]{}
	require.NoError(t, AddInboundBack[*ByteQueue, []byte](p, NewByteToMessageDecoder(dec)))
	require.NoError(t, AddInboundBack[[]byte, []byte](p, sink))
	require.NoError(t, p.Finalize())
	return p, sink
}

func feed(t *testing.T, p *Pipeline, q *ByteQueue, chunks ...[]byte) {
	t.Helper()
	for _, chunk := range chunks {
		q.Append(chunk)
		require.NoError(t, p.Read(q))
	}
}

func Test_LengthFieldDecoder_ChunkedRoundTrip(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(4, 1024, 0, 0, 0, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	feed(t, p, q,
		[]byte{0x00},
		[]byte{0x00, 0x00, 0x05},
		[]byte{0x48, 0x45},
		[]byte{0x4C, 0x4C, 0x4F},
	)
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x05, 'H', 'E', 'L', 'L', 'O'}, sink.reads[0])
	assert.Empty(t, sink.errs)
	assert.Equal(t, 0, q.Len())
}

func Test_LengthFieldDecoder_StripHeader(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(4, 1024, 0, 0, 4, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	feed(t, p, q, []byte{0x00, 0x00, 0x00, 0x05, 'H', 'E', 'L', 'L', 'O', 0x00})
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte("HELLO"), sink.reads[0])
	assert.Equal(t, 1, q.Len(), "trailing byte of the next frame stays queued")
}

func Test_LengthFieldDecoder_MultipleFramesPerDelivery(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(1, 64, 0, 0, 1, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	feed(t, p, q, []byte{2, 'h', 'i', 3, 'y', 'o', 'u', 1, '!'})
	require.Len(t, sink.reads, 3)
	assert.Equal(t, []byte("hi"), sink.reads[0])
	assert.Equal(t, []byte("you"), sink.reads[1])
	assert.Equal(t, []byte("!"), sink.reads[2])
}

func Test_LengthFieldDecoder_RejectsOversize(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(4, 1024, 0, 0, 0, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	// length prefix 1025 -> total frame 1029
	q.Append([]byte{0x00, 0x00, 0x04, 0x01})
	payload := make([]byte, 1025)
	q.Append(payload)
	require.NoError(t, p.Read(q))

	require.Len(t, sink.errs, 1)
	assert.True(t, errors.Is(sink.errs[0], ErrFrameTooLarge{Max: 1024}))
	assert.EqualError(t, ErrFrameTooLarge{Max: 1024}, "frame larger than 1024")
	assert.Empty(t, sink.reads)
	assert.Equal(t, 0, q.Len(), "all 1029 bytes discarded")
}

func Test_LengthFieldDecoder_OversizeDiscardSpansDeliveries(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(4, 16, 0, 0, 0, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	// announces 100 payload bytes; only the header is buffered
	feed(t, p, q, []byte{0x00, 0x00, 0x00, 0x64})
	require.Len(t, sink.errs, 1)
	assert.Equal(t, 0, q.Len())

	// the rest of the oversized frame keeps being consumed silently
	feed(t, p, q, make([]byte, 60))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, sink.reads)

	// remainder plus a valid frame: the frame decodes cleanly
	rest := append(make([]byte, 40), 0x00, 0x00, 0x00, 0x02, 'o', 'k')
	feed(t, p, q, rest)
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x02, 'o', 'k'}, sink.reads[0])
}

func Test_LengthFieldDecoder_FrameTooSmall(t *testing.T) {
	// negative adjustment can make the computed length smaller than the header
	dec := NewLengthFieldBasedFrameDecoder(4, 1024, 0, -10, 0, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	feed(t, p, q, []byte{0x00, 0x00, 0x00, 0x01, 0xAA})
	require.Len(t, sink.errs, 1)
	assert.True(t, errors.Is(sink.errs[0], ErrFrameTooSmall{}))
	assert.Equal(t, 1, q.Len(), "only the header bytes are consumed")
}

func Test_LengthFieldDecoder_StripLargerThanFrame(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(4, 1024, 0, 0, 16, true)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	feed(t, p, q, []byte{0x00, 0x00, 0x00, 0x02, 'h', 'i'})
	require.Len(t, sink.errs, 1)
	assert.True(t, errors.Is(sink.errs[0], ErrStripTooLarge{}))
	assert.Empty(t, sink.reads)
	assert.Equal(t, 0, q.Len())
}

func Test_LengthFieldDecoder_LittleEndianAndOffset(t *testing.T) {
	dec := NewLengthFieldBasedFrameDecoder(2, 1024, 2, 0, 4, false)
	p, sink := decoderPipeline(t, dec)
	q := NewByteQueue()

	// 2 type bytes, little-endian length 3, then the payload
	feed(t, p, q, []byte{0xCA, 0xFE, 0x03, 0x00, 'a', 'b', 'c'})
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte("abc"), sink.reads[0])
}

func Test_LengthFieldDecoder_ConstructionChecks(t *testing.T) {
	assert.Panics(t, func() { NewLengthFieldBasedFrameDecoder(3, 1024, 0, 0, 0, true) })
	assert.Panics(t, func() { NewLengthFieldBasedFrameDecoder(4, 0, 0, 0, 0, true) })
	assert.Panics(t, func() { NewLengthFieldBasedFrameDecoder(4, 8, 5, 0, 0, true) })
}

func Test_FixedLengthDecoder_Repartitions(t *testing.T) {
	p, sink := decoderPipeline(t, NewFixedLengthFrameDecoder(3))
	q := NewByteQueue()

	feed(t, p, q, []byte("a"), []byte("bc"), []byte("defg"), []byte("hi"))
	require.Len(t, sink.reads, 3)
	assert.Equal(t, []byte("abc"), sink.reads[0])
	assert.Equal(t, []byte("def"), sink.reads[1])
	assert.Equal(t, []byte("ghi"), sink.reads[2])
}

func Test_LineDecoder_SplitsLines(t *testing.T) {
	p, sink := decoderPipeline(t, NewLineBasedFrameDecoder(64, true))
	q := NewByteQueue()

	feed(t, p, q, []byte("one\r\ntwo\nthr"), []byte("ee\n"))
	require.Len(t, sink.reads, 3)
	assert.Equal(t, []byte("one"), sink.reads[0])
	assert.Equal(t, []byte("two"), sink.reads[1])
	assert.Equal(t, []byte("three"), sink.reads[2])
}

func Test_LineDecoder_KeepsDelimiterWhenAsked(t *testing.T) {
	p, sink := decoderPipeline(t, NewLineBasedFrameDecoder(64, false))
	q := NewByteQueue()

	feed(t, p, q, []byte("one\r\ntwo\n"))
	require.Len(t, sink.reads, 2)
	assert.Equal(t, []byte("one\r\n"), sink.reads[0])
	assert.Equal(t, []byte("two\n"), sink.reads[1])
}

func Test_LineDecoder_RejectsOverlongLine(t *testing.T) {
	p, sink := decoderPipeline(t, NewLineBasedFrameDecoder(4, true))
	q := NewByteQueue()

	feed(t, p, q, []byte("toolongline"))
	require.Len(t, sink.errs, 1)
	assert.True(t, errors.Is(sink.errs[0], ErrLineTooLong{Max: 4}))

	// everything up to the next newline is discarded, then decoding resumes
	feed(t, p, q, []byte("stilltoolong\nok\n"))
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte("ok"), sink.reads[0])
}

// outCapture records what reaches the end of the outbound chain.
type outCapture struct {
	OutboundBytesToBytesHandler
	writes [][]byte
}

func (h *outCapture) Write(ctx OutboundHandlerContext[[]byte], msg []byte) *Future[Void] {
	h.writes = append(h.writes, msg)
	return CompletedFuture(Void{})
}

func Test_LengthFieldPrepender_PrependsLength(t *testing.T) {
	p := NewPipeline()
	capture := &outCapture{}
	require.NoError(t, AddOutboundBack[[]byte, []byte](p, capture))
	require.NoError(t, AddOutboundBack[[]byte, []byte](p, NewLengthFieldPrepender(4, 0, false, true)))
	require.NoError(t, p.Finalize())

	_, err := p.Write([]byte("HELLO")).Wait(0)
	require.NoError(t, err)
	require.Len(t, capture.writes, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x05, 'H', 'E', 'L', 'L', 'O'}, capture.writes[0])
}

func Test_LengthFieldPrepender_RoundTripsThroughDecoder(t *testing.T) {
	prep := NewLengthFieldPrepender(2, 0, false, false)
	capture := &outCapture{}
	pOut := NewPipeline()
	require.NoError(t, AddOutboundBack[[]byte, []byte](pOut, capture))
	require.NoError(t, AddOutboundBack[[]byte, []byte](pOut, prep))
	require.NoError(t, pOut.Finalize())
	_, err := pOut.Write([]byte("ping")).Wait(0)
	require.NoError(t, err)

	dec := NewLengthFieldBasedFrameDecoder(2, 1024, 0, 0, 2, false)
	pIn, sink := decoderPipeline(t, dec)
	q := NewByteQueue()
	feed(t, pIn, q, capture.writes[0])
	require.Len(t, sink.reads, 1)
	assert.Equal(t, []byte("ping"), sink.reads[0])
}

func Test_StringCodec_BothDirections(t *testing.T) {
	p := NewPipeline()
	term := &testTerminal[[]byte]{}
	sink := &testSink[string]{}
	require.NoError(t, AddBack[[]byte, []byte, []byte, []byte](p, term))
	require.NoError(t, AddBack[[]byte, string, string, []byte](p, &StringCodec{}))
	require.NoError(t, AddInboundBack[string, string](p, sink))
	require.NoError(t, p.Finalize())

	require.NoError(t, p.Read([]byte("in")))
	assert.Equal(t, []string{"in"}, sink.reads)

	_, err := p.Write("out").Wait(0)
	require.NoError(t, err)
	require.Len(t, term.writes, 1)
	assert.Equal(t, []byte("out"), term.writes[0])
}
