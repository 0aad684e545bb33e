package sandbox

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const truncationMarker = "\n... [output truncated]"

// outputDrainDelay bounds how long a run's output is read after its process group
// was killed. Only a descendant that left the group can keep a pipe open that long.
const outputDrainDelay = 2 * time.Second

// limitedBuffer keeps the first max bytes written to it and discards the rest,
// so a chatty child cannot grow the parent's memory without bound.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

// Write never fails; it reports len(p) so the copying goroutine keeps draining the pipe.
func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - b.buf.Len()
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// String returns the kept bytes, with a marker appended when anything was dropped.
func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func (b *limitedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// detachingWriter forwards to w until the first error and then drops everything,
// so a disconnected stream consumer never stalls or kills the child.
type detachingWriter struct {
	w      io.Writer
	failed bool
}

func (d *detachingWriter) Write(p []byte) (int, error) {
	if d.failed {
		return len(p), nil
	}
	if _, err := d.w.Write(p); err != nil {
		d.failed = true
	}
	return len(p), nil
}

// teeOutput returns the writer a child stream is copied to.
func teeOutput(buf *limitedBuffer, live io.Writer) io.Writer {
	if live == nil || live == io.Discard {
		return buf
	}
	return io.MultiWriter(buf, &detachingWriter{w: live})
}

// childPipes carries a child's stdout and stderr over pipes the parent owns, so
// Wait returns when the child exits instead of when every holder of the pipes does.
type childPipes struct {
	outR, outW *os.File
	errR, errW *os.File
	done       chan struct{}
}

func newChildPipes() (*childPipes, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	return &childPipes{outR: outR, outW: outW, errR: errR, errW: errW, done: make(chan struct{})}, nil
}

func (p *childPipes) attach(cmd *exec.Cmd) {
	cmd.Stdout = p.outW
	cmd.Stderr = p.errW
}

// copyTo drops the parent's write ends, now held by the started child, and
// copies both streams until EOF.
func (p *childPipes) copyTo(stdout, stderr io.Writer) {
	p.outW.Close()
	p.errW.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stdout, p.outR)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, p.errR)
		return err
	})
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
}

// drain waits up to d for both streams to reach EOF, then closes the read ends.
// It reports false when something still held a write end at the deadline.
func (p *childPipes) drain(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	eof := true
	select {
	case <-p.done:
	case <-timer.C:
		eof = false
	}
	p.outR.Close()
	p.errR.Close()
	<-p.done
	return eof
}

// close releases all four ends of a child that never started.
func (p *childPipes) close() {
	for _, f := range []*os.File{p.outR, p.outW, p.errR, p.errW} {
		_ = f.Close()
	}
}
