package ipc

import "github.com/justinian/jsix/internal/kernel/status"

// bipbuf is a bipartite circular buffer: two contiguous regions, A then B,
// with a reserved-but-uncommitted region R. Reserve/commit on the writer
// side and getBlock/consume on the reader side implement the discipline
// described for channel rings. Buffer size must be a power of two and is
// not itself enforced here (callers size the backing VMA).
type bipbuf struct {
	buf []byte

	aStart, aLen int
	bStart, bLen int

	// reserved tracks an in-flight reservation: rStart/rLen describe the
	// region handed out by reserve and not yet committed. reserving is
	// true for at most one writer at a time, matching the invariant that
	// size_r is non-zero for at most one writer.
	reserving bool
	rStart    int
	rLen      int
}

func newBipbuf(size int) *bipbuf {
	return &bipbuf{buf: make([]byte, size)}
}

// freeSpace returns the number of bytes available to reserve right now,
// not accounting for fragmentation choices made by reserve.
func (b *bipbuf) freeSpace() int {
	return len(b.buf) - b.aLen - b.bLen
}

// reserve hands out exactly size contiguous bytes to write into, choosing
// between growing at the end of B (if B already exists), extending A, or
// wrapping to offset 0 when the leading gap is larger than the trailing
// one. It never reserves less than requested; callers should shrink size
// and retry (or block) if reserve fails with Insufficient.
func (b *bipbuf) reserve(size int) (offset int, code status.Code) {
	if b.reserving {
		return 0, status.NotReady
	}

	if size <= 0 || size > len(b.buf) {
		return 0, status.InvalidArgument
	}

	if b.freeSpace() < size {
		return 0, status.Insufficient
	}

	switch {
	case b.bLen > 0:
		// B already exists: grow it at its own tail. The space between the
		// end of B and the start of A is the only candidate.
		start := b.bStart + b.bLen
		if start+size > b.aStart {
			return 0, status.Insufficient
		}

		b.reserving, b.rStart, b.rLen = true, start, size

		return start, status.OK

	default:
		tailGap := len(b.buf) - (b.aStart + b.aLen)
		leadGap := b.aStart

		if tailGap >= size {
			b.reserving, b.rStart, b.rLen = true, b.aStart+b.aLen, size
			return b.aStart + b.aLen, status.OK
		}

		if leadGap >= size {
			b.reserving, b.rStart, b.rLen = true, 0, size
			return 0, status.OK
		}

		return 0, status.Insufficient
	}
}

// commit finalizes a prior reserve of exactly n <= reserved bytes. If the
// reservation was contiguous with A's tail, A grows by n; otherwise B
// grows by n (the reservation became B, whether because B already existed
// or because reserve wrapped to offset 0).
func (b *bipbuf) commit(n int) status.Code {
	if !b.reserving {
		return status.NotReady
	}

	if n < 0 || n > b.rLen {
		return status.InvalidArgument
	}

	contiguousWithA := b.aLen == 0 || b.rStart == b.aStart+b.aLen

	if contiguousWithA && b.bLen == 0 {
		if b.aLen == 0 {
			b.aStart = b.rStart
		}

		b.aLen += n
	} else {
		if b.bLen == 0 {
			b.bStart = b.rStart
		}

		b.bLen += n
	}

	b.reserving, b.rStart, b.rLen = false, 0, 0

	return status.OK
}

// getBlock returns a slice view into the readable region A and its length.
// Callers read from the returned slice and then call consume.
func (b *bipbuf) getBlock() []byte {
	if b.aLen == 0 {
		return nil
	}

	return b.buf[b.aStart : b.aStart+b.aLen]
}

// consume shrinks A by n bytes from its front; if A becomes empty, B (if
// any) is promoted to A.
func (b *bipbuf) consume(n int) status.Code {
	if n < 0 || n > b.aLen {
		return status.InvalidArgument
	}

	b.aStart += n
	b.aLen -= n

	if b.aLen == 0 {
		b.aStart, b.aLen = b.bStart, b.bLen
		b.bStart, b.bLen = 0, 0
	}

	return status.OK
}
