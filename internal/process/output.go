package process

import (
	"bytes"
	"sync"
)

// Stream identifies which pipe a chunk of output came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputFunc observes output as it is produced. The chunk is only valid for
// the duration of the call.
type OutputFunc func(stream Stream, chunk []byte)

// outputBuffer accumulates one stream up to a byte limit. Writes beyond the
// limit are counted as accepted so the child never blocks on a full pipe.
type outputBuffer struct {
	stream  Stream
	limit   int
	observe OutputFunc

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newOutputBuffer(stream Stream, limit int, observe OutputFunc) *outputBuffer {
	return &outputBuffer{stream: stream, limit: limit, observe: observe}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	if b.observe != nil {
		b.observe(b.stream, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
