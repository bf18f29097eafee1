package segmenter

// PreRoll is a bounded FIFO over bytes holding the most recent audio seen
// while no phrase is being captured. Appending past capacity drops the oldest
// bytes first. When the capacity is a whole number of samples and every
// appended chunk is sample aligned, the retained window is sample aligned too.
//
// A PreRoll is not safe for concurrent use.
type PreRoll struct {
	buf []byte
	cap int
}

// NewPreRoll returns an empty PreRoll holding at most capacity bytes.
// A non-positive capacity yields a PreRoll that never retains anything.
func NewPreRoll(capacity int) *PreRoll {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRoll{cap: capacity}
}

// Append adds b to the tail and trims the head until Len() <= Cap().
func (p *PreRoll) Append(b []byte) {
	if p.cap == 0 || len(b) == 0 {
		return
	}
	if len(b) >= p.cap {
		// The chunk alone fills the window; keep only its tail.
		p.buf = append(p.buf[:0], b[len(b)-p.cap:]...)
		return
	}
	p.buf = append(p.buf, b...)
	if over := len(p.buf) - p.cap; over > 0 {
		n := copy(p.buf, p.buf[over:])
		p.buf = p.buf[:n]
	}
}

// Drain returns the full contents and empties the buffer. The returned slice
// is owned by the caller.
func (p *PreRoll) Drain() []byte {
	out := p.buf
	p.buf = nil
	return out
}

// Clear empties the buffer.
func (p *PreRoll) Clear() { p.buf = p.buf[:0] }

// Len returns the number of buffered bytes.
func (p *PreRoll) Len() int { return len(p.buf) }

// Cap returns the capacity in bytes.
func (p *PreRoll) Cap() int { return p.cap }
