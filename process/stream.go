// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"
)

// StreamName tags which output stream a chunk came from.
type StreamName string

const (
	// Stdout tags standard-output chunks. In PTY mode every chunk
	// carries this tag.
	Stdout StreamName = "stdout"

	// Stderr tags standard-error chunks.
	Stderr StreamName = "stderr"
)

// Chunk is one contiguous read from a child output stream. The bytes
// of a single underlying read are never split across chunks, so
// per-stream concatenation of Data reproduces the child's byte stream
// exactly.
type Chunk struct {
	Stream StreamName
	Data   []byte
}

// Text returns the chunk decoded as UTF-8.
func (c Chunk) Text() string {
	return string(c.Data)
}

// Line is one newline-delimited line from a child output stream. Data
// includes the trailing newline, except for a partial final line
// flushed at EOF.
type Line struct {
	Stream StreamName
	Data   []byte
}

// Text returns the line decoded as UTF-8.
func (l Line) Text() string {
	return string(l.Data)
}

// readChunkSize is the per-read buffer size for output streaming.
const readChunkSize = 4096

// Stream returns a channel of output chunks. The channel is finite
// (it closes when the child's outputs close), single-use, and
// unbuffered: a slow consumer exerts backpressure on the pipe.
//
// In pipe mode chunks from stdout and stderr interleave in arrival
// order; order is only guaranteed within one stream. In PTY mode all
// chunks are tagged Stdout.
//
// Cancelling ctx stops delivery; it does not kill the child.
func (p *Process) Stream(ctx context.Context) (<-chan Chunk, error) {
	if err := p.claimOutput(); err != nil {
		return nil, err
	}
	return p.chunks(ctx), nil
}

// StreamLines returns a channel of newline-coalesced lines. Partial
// reads are buffered per stream until a newline arrives; a trailing
// partial line is emitted at EOF. Same claiming, ordering, and
// cancellation rules as Stream.
func (p *Process) StreamLines(ctx context.Context) (<-chan Line, error) {
	if err := p.claimOutput(); err != nil {
		return nil, err
	}

	lines := make(chan Line)
	chunks := p.chunks(ctx)

	go func() {
		defer close(lines)
		buffers := map[StreamName][]byte{}
		for chunk := range chunks {
			buf := append(buffers[chunk.Stream], chunk.Data...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := make([]byte, idx+1)
				copy(line, buf[:idx+1])
				buf = buf[idx+1:]
				select {
				case lines <- Line{Stream: chunk.Stream, Data: line}:
				case <-ctx.Done():
					return
				}
			}
			buffers[chunk.Stream] = buf
		}
		// EOF: flush trailing partials.
		for _, name := range []StreamName{Stdout, Stderr} {
			if buf := buffers[name]; len(buf) > 0 {
				select {
				case lines <- Line{Stream: name, Data: buf}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return lines, nil
}

// chunks starts the reader goroutines and returns the merged chunk
// channel. Callers must have claimed the output first.
func (p *Process) chunks(ctx context.Context) <-chan Chunk {
	ch := make(chan Chunk)

	if p.mode == IOPTY {
		go func() {
			defer close(ch)
			readInto(ctx, p.ptmx, Stdout, ch)
		}()
		return ch
	}

	readersDone := make(chan struct{}, 2)
	for _, src := range []struct {
		f    *os.File
		name StreamName
	}{{p.stdout, Stdout}, {p.stderr, Stderr}} {
		go func(f *os.File, name StreamName) {
			readInto(ctx, f, name, ch)
			readersDone <- struct{}{}
		}(src.f, src.name)
	}
	go func() {
		<-readersDone
		<-readersDone
		close(ch)
	}()
	return ch
}

// readInto pumps reads from f into ch until EOF, read error, or
// context cancellation. PTY masters report EIO when the last slave
// descriptor closes; that is the PTY's EOF.
func readInto(ctx context.Context, f *os.File, name StreamName, ch chan<- Chunk) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := f.Read(buf)
		if n > 0 {
			select {
			case ch <- Chunk{Stream: name, Data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			// io.EOF is the pipe's end; EIO is the PTY's end
			// (last slave descriptor closed); ErrClosed means
			// Close raced the read. All end the stream.
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Communicate optionally sends input, closes stdin, drains both
// output streams to completion, and waits for the child to exit.
//
// In PTY mode the merged output is returned as stdout and stderr is
// empty. The process's default timeout bounds the whole call; on
// expiry the process group is terminated and a *TimeoutError
// returned. Cancelling ctx abandons the drain without killing the
// child.
func (p *Process) Communicate(ctx context.Context, input []byte) (stdout, stderr []byte, err error) {
	if err := p.claimOutput(); err != nil {
		return nil, nil, err
	}

	if input != nil {
		if p.mode == IOPipe && p.stdin == nil {
			return nil, nil, ErrNoStdin
		}
		if err := p.Send(input); err != nil {
			return nil, nil, fmt.Errorf("sending input: %w", err)
		}
	}
	p.CloseStdin()

	timeout := p.defaultTimeout
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	type drained struct {
		stdout, stderr []byte
	}
	result := make(chan drained, 1)
	go func() {
		var out, errOut []byte
		for chunk := range p.chunks(ctx) {
			if chunk.Stream == Stderr {
				errOut = append(errOut, chunk.Data...)
			} else {
				out = append(out, chunk.Data...)
			}
		}
		result <- drained{out, errOut}
	}()

	select {
	case bufs := <-result:
		// Streams are closed; the child is exiting or already
		// gone. Finish the wait under the same deadline.
		select {
		case <-p.done:
			return bufs.stdout, bufs.stderr, nil
		case <-ctx.Done():
			return bufs.stdout, bufs.stderr, ctx.Err()
		case <-timer:
			p.killAfterTimeout(timeout)
			return bufs.stdout, bufs.stderr, &TimeoutError{Timeout: timeout}
		}
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timer:
		p.killAfterTimeout(timeout)
		return nil, nil, &TimeoutError{Timeout: timeout}
	}
}
