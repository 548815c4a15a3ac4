package wangle

import "encoding/binary"

// Provides a buffer of allocated but unused byte slabs.
var slabPool chan []byte

func init() {
	slabPool = make(chan []byte, 1024)
}

func slabAlloc(n int) []byte {
	select {
	case b := <-slabPool:
		if cap(b) >= n {
			return b[:cap(b)]
		}
	default:
	}
	return make([]byte, n)
}

func slabFree(b []byte) {
	if b == nil {
		return
	}
	select {
	case slabPool <- b:
	default:
	}
}

// ByteQueue accumulates inbound bytes for a pipeline. The terminal socket
// handler fills it through the Preallocate/Postallocate pair and decoders
// drain it with TrimStart and Split. A ByteQueue is not safe for concurrent
// use; it belongs to its pipeline's event base.
type ByteQueue struct {
	buf []byte
	r   int
	w   int
}

// NewByteQueue returns an empty queue.
func NewByteQueue() *ByteQueue { return &ByteQueue{} }

// Len returns the number of readable bytes.
func (q *ByteQueue) Len() int { return q.w - q.r }

// Bytes returns the readable bytes. The slice is only valid until the next
// mutation of the queue.
func (q *ByteQueue) Bytes() []byte { return q.buf[q.r:q.w] }

// Preallocate returns a writable slice of at least min bytes at the tail of
// the queue, growing the backing slab in allocSize steps when needed. The
// caller commits written bytes with Postallocate.
func (q *ByteQueue) Preallocate(min, allocSize int) []byte {
	if allocSize < min {
		allocSize = min
	}
	if cap(q.buf)-q.w < min {
		q.grow(allocSize)
	}
	return q.buf[q.w:cap(q.buf)]
}

// Postallocate commits n bytes previously obtained from Preallocate.
func (q *ByteQueue) Postallocate(n int) {
	q.buf = q.buf[:q.w+n]
	q.w += n
}

// Append copies b onto the tail of the queue.
func (q *ByteQueue) Append(b []byte) {
	dst := q.Preallocate(len(b), DefaultReadBufferAllocationSize)
	copy(dst, b)
	q.Postallocate(len(b))
}

// TrimStart discards up to n bytes from the head of the queue and returns
// the number actually discarded.
func (q *ByteQueue) TrimStart(n int) int {
	if n > q.Len() {
		n = q.Len()
	}
	q.r += n
	if q.r == q.w {
		q.r = 0
		q.w = 0
		q.buf = q.buf[:0]
	}
	return n
}

// Split removes the next n bytes from the head of the queue and returns
// them as an independently owned slice. It panics if n exceeds Len.
func (q *ByteQueue) Split(n int) []byte {
	if n > q.Len() {
		panic("wangle: ByteQueue.Split beyond queue length")
	}
	out := make([]byte, n)
	copy(out, q.buf[q.r:q.r+n])
	q.TrimStart(n)
	return out
}

// PeekUint reads an unsigned integer of the given width (1, 2, 4 or 8
// bytes) at offset bytes into the readable region without consuming it.
// It reports false when not enough bytes are buffered.
func (q *ByteQueue) PeekUint(offset, width int, bigEndian bool) (uint64, bool) {
	if q.Len() < offset+width {
		return 0, false
	}
	b := q.buf[q.r+offset : q.r+offset+width]
	var v uint64
	switch width {
	case 1:
		v = uint64(b[0])
	case 2:
		if bigEndian {
			v = uint64(binary.BigEndian.Uint16(b))
		} else {
			v = uint64(binary.LittleEndian.Uint16(b))
		}
	case 4:
		if bigEndian {
			v = uint64(binary.BigEndian.Uint32(b))
		} else {
			v = uint64(binary.LittleEndian.Uint32(b))
		}
	case 8:
		if bigEndian {
			v = binary.BigEndian.Uint64(b)
		} else {
			v = binary.LittleEndian.Uint64(b)
		}
	default:
		panic("wangle: invalid length field width")
	}
	return v, true
}

// grow moves the readable region into a slab with at least allocSize spare
// capacity, releasing the old slab to the pool.
func (q *ByteQueue) grow(allocSize int) {
	need := q.Len() + allocSize
	if need < 2*cap(q.buf) {
		need = 2 * cap(q.buf)
	}
	nb := slabAlloc(need)
	n := copy(nb, q.buf[q.r:q.w])
	old := q.buf
	q.buf = nb[:n]
	q.r = 0
	q.w = n
	slabFree(old)
}
