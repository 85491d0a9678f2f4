package chat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

type lineResult struct {
	line string
	err  error
}

// LineReader reads lines from an input on a background goroutine so a
// caller blocked on ReadLine can give up when its context ends. Lines
// have no length limit. Close must be called once the reader is no
// longer needed.
type LineReader struct {
	in io.Reader
	br *bufio.Reader

	requests chan struct{}
	results  chan lineResult
	done     chan struct{}

	closeOnce sync.Once
}

// NewLineReader starts a reader over in. If in is also an io.Closer it
// is closed by Close, which unblocks a pending read.
func NewLineReader(in io.Reader) *LineReader {
	r := &LineReader{
		in:       in,
		br:       bufio.NewReader(in),
		requests: make(chan struct{}),
		results:  make(chan lineResult, 1),
		done:     make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *LineReader) pump() {
	for {
		select {
		case <-r.done:
			return
		case <-r.requests:
		}

		var res lineResult
		line, err := r.br.ReadString('\n')
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && line != "":
			// Last line without a trailing newline.
		default:
			res.err = err
		}
		res.line = strings.TrimRight(line, "\r\n")

		select {
		case r.results <- res:
		case <-r.done:
			return
		}
	}
}

// ReadLine returns the next line without its line ending. It returns
// io.EOF at end of input and ctx.Err() when ctx ends first.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case r.requests <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", io.EOF
	}

	select {
	case res := <-r.results:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the reader. Closing a closable input unblocks a pending
// read; otherwise the goroutine exits once that read returns.
func (r *LineReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if c, ok := r.in.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
