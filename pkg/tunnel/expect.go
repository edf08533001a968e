package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"time"
)

var errExpectTimeout = errors.New("timed out waiting for output")

// expecter reads a child's output on a goroutine and matches it against
// regular expressions, one step at a time.
type expecter struct {
	chunks chan []byte
	stop   chan struct{}
	once   sync.Once

	// pending is output not yet consumed by a match.
	pending []byte
	// transcript is everything read so far.
	transcript bytes.Buffer
}

func newExpecter(r io.Reader) *expecter {
	x := &expecter{
		chunks: make(chan []byte, 16),
		stop:   make(chan struct{}),
	}
	go x.pump(r)
	return x
}

// pump copies reads into chunks until the reader fails. Any read error,
// including EIO from a pty whose child exited, ends the stream.
func (x *expecter) pump(r io.Reader) {
	defer close(x.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c := make([]byte, n)
			copy(c, buf[:n])
			select {
			case x.chunks <- c:
			case <-x.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// expect waits until one of pats matches pending output and returns its index.
// When several match, the earliest match in the stream wins. The matched text
// and everything before it are consumed. It returns io.EOF when the stream
// ends first and errExpectTimeout when timeout passes first.
func (x *expecter) expect(ctx context.Context, timeout time.Duration, pats ...*regexp.Regexp) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if idx, end := x.match(pats); idx >= 0 {
			x.pending = x.pending[end:]
			return idx, nil
		}
		select {
		case c, ok := <-x.chunks:
			if !ok {
				return -1, io.EOF
			}
			x.pending = append(x.pending, c...)
			x.transcript.Write(c)
		case <-timer.C:
			return -1, errExpectTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

func (x *expecter) match(pats []*regexp.Regexp) (idx, end int) {
	idx, start := -1, -1
	for i, re := range pats {
		loc := re.FindIndex(x.pending)
		if loc == nil {
			continue
		}
		if idx < 0 || loc[0] < start {
			idx, start, end = i, loc[0], loc[1]
		}
	}
	return idx, end
}

func (x *expecter) output() string { return x.transcript.String() }

func (x *expecter) close() {
	x.once.Do(func() { close(x.stop) })
}
