package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// File descriptors of the pipes handed to a worker process, in the child.
const (
	ChildReadFD  = 3
	ChildWriteFD = 4
)

// MaxLineSize bounds a single JSON document on a Stream.
const MaxLineSize = 64 << 20

// Stream is a newline-delimited JSON channel over a reader and a writer.
type Stream struct {
	r *bufio.Reader
	// rc is closed to unblock readers on Close
	rc io.Closer

	writeMut sync.Mutex
	w        io.WriteCloser

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewStream(r io.ReadCloser, w io.WriteCloser) *Stream {
	return &Stream{
		r:      bufio.NewReader(r),
		rc:     r,
		w:      w,
		closed: make(chan struct{}),
	}
}

// Inherited opens the Stream a supervisor handed to this process through ChildReadFD and ChildWriteFD.
func Inherited() (*Stream, error) {
	// pollable descriptors let Close interrupt a blocked Recv
	for _, fd := range []int{ChildReadFD, ChildWriteFD} {
		if err := syscall.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("inherited descriptor %d: %w", fd, err)
		}
	}
	r := os.NewFile(ChildReadFD, "untrust-in")
	w := os.NewFile(ChildWriteFD, "untrust-out")
	if r == nil || w == nil {
		return nil, fmt.Errorf("invalid inherited descriptors %d and %d", ChildReadFD, ChildWriteFD)
	}
	return NewStream(r, w), nil
}

func (s *Stream) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// a document must fit on one line
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("compacting message: %w", err)
	}
	buf.WriteByte('\n')

	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	_, err := s.w.Write(buf.Bytes())
	if err != nil {
		select {
		case <-s.closed:
			return ErrClosed
		default:
		}
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Recv reads the next line. ctx is only checked before blocking; Close unblocks a pending Recv.
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := s.readLine()
		if err != nil {
			select {
			case <-s.closed:
				return nil, ErrClosed
			default:
			}
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			if err != io.EOF {
				return nil, fmt.Errorf("reading message: %w", err)
			}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return json.RawMessage(line), nil
	}
}

func (s *Stream) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := s.r.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			return line, err
		}
		if len(line) > MaxLineSize {
			return nil, fmt.Errorf("message exceeds %d bytes", MaxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		werr := s.w.Close()
		rerr := s.rc.Close()
		if werr != nil {
			s.closeErr = werr
		} else {
			s.closeErr = rerr
		}
	})
	return s.closeErr
}
