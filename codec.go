package wangle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ErrFrameTooSmall reports a length field whose computed frame length is
// smaller than the header that carried it.
type ErrFrameTooSmall struct{}

func (ErrFrameTooSmall) Error() string { return "frame too small" }

// ErrFrameTooLarge reports a frame exceeding the decoder's maximum. The
// offending bytes are discarded; reads may be misaligned until the peer
// resynchronizes.
type ErrFrameTooLarge struct{ Max int }

func (e ErrFrameTooLarge) Error() string { return fmt.Sprintf("frame larger than %d", e.Max) }

// ErrStripTooLarge reports an initialBytesToStrip larger than the frame.
type ErrStripTooLarge struct{}

func (ErrStripTooLarge) Error() string { return "initialBytesToStrip larger than frame" }

// FrameDecoder extracts at most one frame per invocation from the byte
// queue. The second result is false when more bytes are needed; a nil
// frame with a true result means bytes were consumed (an error was
// raised) but no frame is emitted, and the caller should try again.
type FrameDecoder interface {
	Decode(ctx InboundHandlerContext[[]byte], q *ByteQueue) ([]byte, bool)
}

// ByteToMessageDecoder is the IN stage that drives a FrameDecoder: on
// every inbound byte-queue delivery it re-invokes the decoder until no
// progress is made, firing each extracted frame up the pipeline.
type ByteToMessageDecoder struct {
	InboundBytesToBytesHandler
	Decoder FrameDecoder
}

// NewByteToMessageDecoder wraps dec into a pipeline stage.
func NewByteToMessageDecoder(dec FrameDecoder) *ByteToMessageDecoder {
	return &ByteToMessageDecoder{Decoder: dec}
}

func (d *ByteToMessageDecoder) Read(ctx InboundHandlerContext[[]byte], q *ByteQueue) {
	for {
		frame, ok := d.Decoder.Decode(ctx, q)
		if !ok {
			return
		}
		if frame != nil {
			ctx.FireRead(frame)
		}
	}
}

// LengthFieldBasedFrameDecoder splits a byte stream into frames delimited
// by a length field. The frame length is the parsed field value plus
// lengthAdjustment plus the length-field end offset; initialBytesToStrip
// bytes are removed from the front of each delivered frame. All
// parameters are fixed at construction.
type LengthFieldBasedFrameDecoder struct {
	lengthFieldLength    int
	maxFrameLength       int
	lengthFieldOffset    int
	lengthAdjustment     int
	initialBytesToStrip  int
	networkByteOrder     bool
	lengthFieldEndOffset int
	toDiscard            int64
}

// NewLengthFieldBasedFrameDecoder builds a decoder. The field length must
// be 1, 2, 4 or 8 and the field must fit inside maxFrameLength; violations
// are programmer errors and panic.
func NewLengthFieldBasedFrameDecoder(
	lengthFieldLength, maxFrameLength, lengthFieldOffset, lengthAdjustment,
	initialBytesToStrip int, networkByteOrder bool,
) *LengthFieldBasedFrameDecoder {
	switch lengthFieldLength {
	case 1, 2, 4, 8:
	default:
		panic("wangle: length field must be 1, 2, 4 or 8 bytes")
	}
	if maxFrameLength <= 0 {
		panic("wangle: maxFrameLength must be positive")
	}
	if lengthFieldOffset > maxFrameLength-lengthFieldLength {
		panic("wangle: length field does not fit inside maxFrameLength")
	}
	return &LengthFieldBasedFrameDecoder{
		lengthFieldLength:    lengthFieldLength,
		maxFrameLength:       maxFrameLength,
		lengthFieldOffset:    lengthFieldOffset,
		lengthAdjustment:     lengthAdjustment,
		initialBytesToStrip:  initialBytesToStrip,
		networkByteOrder:     networkByteOrder,
		lengthFieldEndOffset: lengthFieldOffset + lengthFieldLength,
	}
}

func (d *LengthFieldBasedFrameDecoder) Decode(ctx InboundHandlerContext[[]byte], q *ByteQueue) ([]byte, bool) {
	if d.toDiscard > 0 {
		n := d.toDiscard
		if n > int64(q.Len()) {
			n = int64(q.Len())
		}
		d.toDiscard -= int64(q.TrimStart(int(n)))
		if d.toDiscard > 0 {
			return nil, false
		}
	}

	if q.Len() < d.lengthFieldEndOffset {
		return nil, false
	}

	v, _ := q.PeekUint(d.lengthFieldOffset, d.lengthFieldLength, d.networkByteOrder)
	frameLength := int64(v) + int64(d.lengthAdjustment) + int64(d.lengthFieldEndOffset)

	if frameLength < int64(d.lengthFieldEndOffset) {
		q.TrimStart(d.lengthFieldEndOffset)
		ctx.FireReadException(errors.WithStack(ErrFrameTooSmall{}))
		return nil, true
	}

	if frameLength > int64(d.maxFrameLength) {
		n := frameLength
		if n > int64(q.Len()) {
			n = int64(q.Len())
		}
		d.toDiscard = frameLength - int64(q.TrimStart(int(n)))
		ctx.FireReadException(errors.WithStack(ErrFrameTooLarge{Max: d.maxFrameLength}))
		return nil, true
	}

	if int64(q.Len()) < frameLength {
		return nil, false
	}

	if int64(d.initialBytesToStrip) > frameLength {
		q.TrimStart(int(frameLength))
		ctx.FireReadException(errors.WithStack(ErrStripTooLarge{}))
		return nil, true
	}

	q.TrimStart(d.initialBytesToStrip)
	return q.Split(int(frameLength) - d.initialBytesToStrip), true
}

// FixedLengthFrameDecoder splits the byte stream into frames of a fixed
// number of bytes.
type FixedLengthFrameDecoder struct {
	length int
}

// NewFixedLengthFrameDecoder builds a decoder emitting length-byte frames.
func NewFixedLengthFrameDecoder(length int) *FixedLengthFrameDecoder {
	if length <= 0 {
		panic("wangle: frame length must be positive")
	}
	return &FixedLengthFrameDecoder{length: length}
}

func (d *FixedLengthFrameDecoder) Decode(_ InboundHandlerContext[[]byte], q *ByteQueue) ([]byte, bool) {
	if q.Len() < d.length {
		return nil, false
	}
	return q.Split(d.length), true
}

// ErrLineTooLong reports a line exceeding the line decoder's maximum.
type ErrLineTooLong struct{ Max int }

func (e ErrLineTooLong) Error() string { return fmt.Sprintf("line longer than %d", e.Max) }

// LineBasedFrameDecoder splits the byte stream at newlines, accepting both
// LF and CRLF terminators.
type LineBasedFrameDecoder struct {
	maxLength      int
	stripDelimiter bool
	discarding     bool
}

// NewLineBasedFrameDecoder builds a line decoder. Lines longer than
// maxLength raise a read exception and are discarded.
func NewLineBasedFrameDecoder(maxLength int, stripDelimiter bool) *LineBasedFrameDecoder {
	return &LineBasedFrameDecoder{maxLength: maxLength, stripDelimiter: stripDelimiter}
}

func (d *LineBasedFrameDecoder) Decode(ctx InboundHandlerContext[[]byte], q *ByteQueue) ([]byte, bool) {
	i := bytes.IndexByte(q.Bytes(), '\n')
	if i < 0 {
		if d.discarding || q.Len() <= d.maxLength {
			return nil, false
		}
		// Over the limit with no terminator in sight: drop what we have
		// and keep dropping until the next newline.
		q.TrimStart(q.Len())
		d.discarding = true
		ctx.FireReadException(errors.WithStack(ErrLineTooLong{Max: d.maxLength}))
		return nil, true
	}
	if d.discarding {
		q.TrimStart(i + 1)
		d.discarding = false
		return nil, true
	}
	lineLen := i
	if lineLen > 0 && q.Bytes()[lineLen-1] == '\r' {
		lineLen--
	}
	if lineLen > d.maxLength {
		q.TrimStart(i + 1)
		ctx.FireReadException(errors.WithStack(ErrLineTooLong{Max: d.maxLength}))
		return nil, true
	}
	if !d.stripDelimiter {
		return q.Split(i + 1), true
	}
	line := q.Split(lineLen)
	q.TrimStart(i + 1 - lineLen)
	return line, true
}

// LengthFieldPrepender is the OUT stage matching
// LengthFieldBasedFrameDecoder: it prefixes every outbound buffer with its
// length.
type LengthFieldPrepender struct {
	OutboundBytesToBytesHandler
	lengthFieldLength         int
	lengthAdjustment          int
	lengthIncludesLengthField bool
	networkByteOrder          bool
}

// NewLengthFieldPrepender builds a prepender; the field length must be 1,
// 2, 4 or 8.
func NewLengthFieldPrepender(
	lengthFieldLength, lengthAdjustment int,
	lengthIncludesLengthField, networkByteOrder bool,
) *LengthFieldPrepender {
	switch lengthFieldLength {
	case 1, 2, 4, 8:
	default:
		panic("wangle: length field must be 1, 2, 4 or 8 bytes")
	}
	return &LengthFieldPrepender{
		lengthFieldLength:         lengthFieldLength,
		lengthAdjustment:          lengthAdjustment,
		lengthIncludesLengthField: lengthIncludesLengthField,
		networkByteOrder:          networkByteOrder,
	}
}

func (h *LengthFieldPrepender) Write(ctx OutboundHandlerContext[[]byte], msg []byte) *Future[Void] {
	length := len(msg) + h.lengthAdjustment
	if h.lengthIncludesLengthField {
		length += h.lengthFieldLength
	}
	if length < 0 {
		return FailedFuture[Void](errors.Errorf("wangle: negative frame length %d", length))
	}
	buf := make([]byte, h.lengthFieldLength, h.lengthFieldLength+len(msg))
	switch h.lengthFieldLength {
	case 1:
		buf[0] = byte(length)
	case 2:
		if h.networkByteOrder {
			binary.BigEndian.PutUint16(buf, uint16(length))
		} else {
			binary.LittleEndian.PutUint16(buf, uint16(length))
		}
	case 4:
		if h.networkByteOrder {
			binary.BigEndian.PutUint32(buf, uint32(length))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(length))
		}
	case 8:
		if h.networkByteOrder {
			binary.BigEndian.PutUint64(buf, uint64(length))
		} else {
			binary.LittleEndian.PutUint64(buf, uint64(length))
		}
	}
	buf = append(buf, msg...)
	return ctx.FireWrite(buf)
}

// StringCodec sits at the top of a byte pipeline and converts frames to
// strings inbound and strings to bytes outbound.
type StringCodec struct {
	HandlerBase[string, []byte]
}

func (c *StringCodec) Read(ctx HandlerContext[string, []byte], msg []byte) {
	ctx.FireRead(string(msg))
}

func (c *StringCodec) Write(ctx HandlerContext[string, []byte], msg string) *Future[Void] {
	return ctx.FireWrite([]byte(msg))
}
