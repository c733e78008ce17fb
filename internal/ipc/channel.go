// Package ipc implements the channel between the supervisor and a worker.
//
// A channel is a one way stream of newline delimited messages. The worker
// holds the Sender end, the supervisor the Receiver end. Closing the Sender is
// the end of stream; the supervisor observes it as io.EOF once all pending
// messages were polled.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	ErrClosed = errors.New("channel closed")
	ErrEmpty  = errors.New("no pending message")
)

// pending is the number of messages buffered by a Receiver before the
// reader stops consuming the underlying stream.
const pending = 64

// maxLine bounds a single encoded message.
const maxLine = 1 << 20

// Sender is the worker end of a channel. It is safe for concurrent use.
type Sender struct {
	mx     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func NewSender(w io.WriteCloser) *Sender {
	return &Sender{w: w}
}

// Send writes one whole message.
func (s *Sender) Send(m Message) error {
	line, err := m.MarshalText()
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.w.Write(line)
	return err
}

// Close ends the stream. It is idempotent.
func (s *Sender) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// Receiver is the supervisor end of a channel. Poll never blocks, a
// goroutine reads the underlying stream and buffers parsed messages.
type Receiver struct {
	r      io.ReadCloser
	msgs   chan Message
	done   chan struct{}
	once   sync.Once
	err    error // valid after msgs is closed
	closed bool  // valid after msgs is closed
}

func NewReceiver(r io.ReadCloser) *Receiver {
	rcv := &Receiver{
		r:    r,
		msgs: make(chan Message, pending),
		done: make(chan struct{}),
	}
	go rcv.read()
	return rcv
}

func (r *Receiver) read() {
	defer close(r.msgs)
	scanner := bufio.NewScanner(r.r)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		msg, err := Parse(scanner.Text())
		if err != nil {
			slog.Warn("ignoring message", "error", err)
			continue
		}
		select {
		case r.msgs <- msg:
		case <-r.done:
			r.closed = true
			return
		}
	}
	select {
	case <-r.done:
		// our own Close made the read fail
		r.closed = true
		return
	default:
	}
	r.err = scanner.Err()
}

// Poll returns the next pending message. It returns ErrEmpty when nothing is
// pending, io.EOF when the sender closed the channel and every message was
// polled, ErrClosed after Close, or the read error of a broken stream.
func (r *Receiver) Poll() (Message, error) {
	select {
	case <-r.done:
		return Message{}, ErrClosed
	default:
	}

	select {
	case msg, ok := <-r.msgs:
		if ok {
			return msg, nil
		}
		switch {
		case r.closed:
			return Message{}, ErrClosed
		case r.err != nil:
			return Message{}, r.err
		default:
			return Message{}, io.EOF
		}
	default:
		return Message{}, ErrEmpty
	}
}

// Close releases the stream. Messages not yet polled are dropped. A worker
// still writing to the other end gets an error. Close is idempotent.
func (r *Receiver) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.r.Close()
	})
	return err
}

// Pipe returns an in-memory channel.
func Pipe() (*Receiver, *Sender) {
	pr, pw := io.Pipe()
	return NewReceiver(pr), NewSender(pw)
}

// OSPipe returns a channel whose Sender end is an *os.File, so it can be
// inherited by a child process.
func OSPipe() (*Receiver, *os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return NewReceiver(pr), pw, nil
}

// Recv blocks until the next message or the end of the channel. It's meant for
// tools and tests, the supervisor only ever polls.
func Recv(ctx context.Context, r *Receiver) (Message, error) {
	for {
		msg, err := r.Poll()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case msg, ok := <-r.msgs:
			if ok {
				return msg, nil
			}
		}
	}
}
