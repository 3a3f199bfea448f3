package engine

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/xhd2015/ddbg/debug/common"
)

// fakeTarget is a scripted in-memory target
type fakeTarget struct {
	typ       common.TypeHandle
	entryLine int
	lines     map[int][]common.Location

	nextID   int
	active   map[int]common.Request
	steps    []common.Request
	// excludes[i] is the exclusion list of steps[i]
	excludes [][]string
	watched  string

	createErr  error
	disableErr error
	resolveErr error

	frames    []common.Frame
	framesErr error
	locals    []common.Variable

	events  chan []common.Event
	resumes int
	// onResume[i] runs on the i-th resume
	onResume []func(f *fakeTarget)
	closed   bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		typ:       common.TypeHandle{Name: "main", Source: "/src/hello.go"},
		entryLine: 5,
		lines: map[int][]common.Location{
			5:  {{File: "/src/hello.go", Line: 5, Function: "main.main", PC: 0x100}},
			10: {{File: "/src/hello.go", Line: 10, Function: "main.main", PC: 0x140}},
			20: {{File: "/src/hello.go", Line: 20, Function: "main.helper", PC: 0x200}},
		},
		active: make(map[int]common.Request),
		events: make(chan []common.Event, 16),
	}
}

func (f *fakeTarget) LocationsOfLine(ctx context.Context, typ common.TypeHandle, line int) ([]common.Location, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.lines[line], nil
}

func (f *fakeTarget) EntryLine(ctx context.Context, typ common.TypeHandle) (int, error) {
	return f.entryLine, nil
}

func (f *fakeTarget) CreateBreakpoint(ctx context.Context, loc common.Location) (common.Request, error) {
	if f.createErr != nil {
		return common.Request{}, f.createErr
	}
	f.nextID++
	req := common.Request{ID: f.nextID, Kind: common.RequestBreakpoint, Location: loc}
	f.active[req.ID] = req
	return req, nil
}

func (f *fakeTarget) CreateStep(ctx context.Context, thread common.ThreadID, kind common.StepKind, exclude []string) (common.Request, error) {
	if f.createErr != nil {
		return common.Request{}, f.createErr
	}
	f.nextID++
	req := common.Request{ID: f.nextID, Kind: common.RequestStep, Thread: thread}
	f.active[req.ID] = req
	f.steps = append(f.steps, req)
	f.excludes = append(f.excludes, exclude)
	return req, nil
}

func (f *fakeTarget) Disable(ctx context.Context, req common.Request) error {
	if f.disableErr != nil {
		return f.disableErr
	}
	if _, ok := f.active[req.ID]; !ok {
		return errors.Errorf("request %d not active", req.ID)
	}
	delete(f.active, req.ID)
	return nil
}

func (f *fakeTarget) Frames(ctx context.Context, thread common.ThreadID) ([]common.Frame, error) {
	return f.frames, f.framesErr
}

func (f *fakeTarget) Locals(ctx context.Context, thread common.ThreadID, frame common.Frame) ([]common.Variable, error) {
	return f.locals, nil
}

func (f *fakeTarget) WatchType(ctx context.Context, name string) error {
	f.watched = name
	f.events <- []common.Event{common.ClassReady{Type: f.typ}}
	return nil
}

func (f *fakeTarget) Resume(ctx context.Context) error {
	i := f.resumes
	f.resumes++
	if i < len(f.onResume) {
		f.onResume[i](f)
	}
	return nil
}

func (f *fakeTarget) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTarget) Next(ctx context.Context) ([]common.Event, error) {
	select {
	case batch, ok := <-f.events:
		if !ok {
			return nil, common.ErrTargetDisconnected
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// activeBreakpoints counts live breakpoint requests
func (f *fakeTarget) activeBreakpoints() int {
	n := 0
	for _, r := range f.active {
		if r.Kind == common.RequestBreakpoint {
			n++
		}
	}
	return n
}

type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }
func (p *fakeProcess) Wait() error       { return nil }

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.stdoutW.Close()
	p.stderrW.Close()
}

type fakeLauncher struct {
	target  *fakeTarget
	process *fakeProcess
	err     error
}

func (l *fakeLauncher) Launch(ctx context.Context, entry string) (*common.Launch, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &common.Launch{Events: l.target, Target: l.target, Process: l.process}, nil
}

// syncBuffer is a bytes.Buffer safe for the relay goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
