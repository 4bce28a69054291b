package container

import "bytes"

// limitedBuffer collects writes up to a byte cap and silently discards the
// rest. Script output is advisory; an unbounded buffer would let a noisy
// script eat server memory.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.max - l.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			l.buf.Write(p[:remaining])
		} else {
			l.buf.Write(p)
		}
	}
	// Report full success so stdcopy keeps draining the stream.
	return len(p), nil
}

func (l *limitedBuffer) String() string { return l.buf.String() }
