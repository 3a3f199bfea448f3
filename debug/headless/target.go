package headless

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

const stackDepth = 50

// loadConfig is how much of a variable Delve loads for printing
var loadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       64,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

// Target drives a program halted by a Delve headless server. Every resume
// is a Command call whose answer is the next stop.
type Target struct {
	client *Client
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	batches chan []common.Event
	err     error
	closing sync.Once

	mu     sync.Mutex
	nextID int
	thread int64
	entry  common.Location
	armed  map[int]common.Request // Delve breakpoint ID to request
	step   *stepRequest
}

type stepRequest struct {
	req     common.Request
	kind    common.StepKind
	exclude []string
	issued  bool
	// returning is set while stepping out of excluded code
	returning bool
}

var _ common.Target = (*Target)(nil)
var _ common.EventSource = (*Target)(nil)

// NewTarget wraps a client connected to a halted headless server
func NewTarget(client *Client, logger zerolog.Logger) *Target {
	ctx, cancel := context.WithCancel(context.Background())
	return &Target{
		client:  client,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		batches: make(chan []common.Event, 1),
		armed:   make(map[int]common.Request),
	}
}

// Next returns the next event batch
func (t *Target) Next(ctx context.Context) ([]common.Event, error) {
	select {
	case batch, ok := <-t.batches:
		if !ok {
			if t.err != nil {
				return nil, t.err
			}
			return nil, common.ErrTargetDisconnected
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit queues a batch, or ends the stream when batch is nil
func (t *Target) emit(batch []common.Event, err error) {
	if batch == nil {
		t.closing.Do(func() {
			t.err = err
			close(t.batches)
		})
		return
	}
	select {
	case t.batches <- batch:
	case <-t.ctx.Done():
	}
}

// WatchType resolves the entry function. The server starts halted, so the
// type is ready as soon as the function is found.
func (t *Target) WatchType(ctx context.Context, name string) error {
	pkg, fn := common.ParseEntry(name)
	out, err := call[rpc2.FindLocationOut](ctx, t.client, RPCFindLocation, rpc2.FindLocationIn{
		Scope: api.EvalScope{GoroutineID: -1},
		Loc:   fn,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to find %s", fn)
	}
	if len(out.Locations) == 0 {
		return errors.Errorf("cannot find %s", fn)
	}

	loc := out.Locations[0]
	t.mu.Lock()
	t.entry = common.Location{File: loc.File, Line: loc.Line, Function: fn, PC: loc.PC}
	t.mu.Unlock()
	t.logger.Debug().Str("function", fn).Str("file", loc.File).Int("line", loc.Line).Msg("entry resolved")

	t.emit([]common.Event{common.ClassReady{Type: common.TypeHandle{Name: pkg, Source: loc.File}}}, nil)
	return nil
}

// EntryLine returns the line the entry function starts on
func (t *Target) EntryLine(ctx context.Context, typ common.TypeHandle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pkg, _ := common.ParseEntry(t.entry.Function); t.entry.Function == "" || pkg != typ.Name {
		return 0, errors.Errorf("entry of %s not resolved", typ.Name)
	}
	return t.entry.Line, nil
}

// LocationsOfLine asks Delve for the statements of line in the type's file
func (t *Target) LocationsOfLine(ctx context.Context, typ common.TypeHandle, line int) ([]common.Location, error) {
	out, err := call[rpc2.FindLocationOut](ctx, t.client, RPCFindLocation, rpc2.FindLocationIn{
		Scope: api.EvalScope{GoroutineID: -1},
		Loc:   fmt.Sprintf("%s:%d", typ.Source, line),
	})
	if err != nil {
		if strings.Contains(err.Error(), "could not find") {
			return nil, nil
		}
		return nil, err
	}

	var locs []common.Location
	for _, l := range out.Locations {
		if l.Line != line {
			continue
		}
		locs = append(locs, common.Location{File: l.File, Line: l.Line, Function: functionName(l.Function), PC: l.PC})
	}
	return locs, nil
}

// CreateBreakpoint arms a breakpoint at loc
func (t *Target) CreateBreakpoint(ctx context.Context, loc common.Location) (common.Request, error) {
	out, err := call[rpc2.CreateBreakpointOut](ctx, t.client, RPCCreateBreakpoint, rpc2.CreateBreakpointIn{
		Breakpoint: api.Breakpoint{File: loc.File, Line: loc.Line},
	})
	if err != nil {
		return common.Request{}, err
	}

	req := common.Request{ID: out.Breakpoint.ID, Kind: common.RequestBreakpoint, Location: loc}
	t.mu.Lock()
	t.armed[req.ID] = req
	t.mu.Unlock()
	return req, nil
}

// CreateStep arms a step that is issued on the next Resume
func (t *Target) CreateStep(ctx context.Context, thread common.ThreadID, kind common.StepKind, exclude []string) (common.Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID--
	// step IDs are negative so they never collide with Delve's breakpoint IDs
	req := common.Request{ID: t.nextID, Kind: common.RequestStep, Thread: thread}
	t.step = &stepRequest{req: req, kind: kind, exclude: exclude}
	return req, nil
}

// Disable clears a breakpoint, or drops a step
func (t *Target) Disable(ctx context.Context, req common.Request) error {
	if req.Kind == common.RequestStep {
		t.mu.Lock()
		match := t.step != nil && t.step.req.ID == req.ID
		if match {
			t.step = nil
		}
		t.mu.Unlock()
		return nil
	}

	if _, err := call[rpc2.ClearBreakpointOut](ctx, t.client, RPCClearBreakpoint, rpc2.ClearBreakpointIn{Id: req.ID}); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.armed, req.ID)
	t.mu.Unlock()
	return nil
}

// Resume issues the armed step or continues, and returns once the
// command is on its way. Its answer becomes the next event batch.
func (t *Target) Resume(ctx context.Context) error {
	t.mu.Lock()
	step := t.step
	issue := step != nil && !step.issued
	if issue {
		step.issued = true
	}
	current := t.thread
	t.mu.Unlock()

	cmd := api.DebuggerCommand{Name: api.Continue}
	if issue {
		goroutine := int64(step.req.Thread)
		if goroutine != current {
			_, err := call[rpc2.CommandOut](ctx, t.client, RPCCommand, api.DebuggerCommand{Name: api.SwitchGoroutine, GoroutineID: goroutine})
			if err != nil {
				return t.resumeError(err)
			}
		}
		cmd.Name = stepCommand(step.kind)
	}

	select {
	case <-t.client.Done():
		return common.ErrTargetDisconnected
	default:
	}
	go t.command(cmd)
	return nil
}

func (t *Target) resumeError(err error) error {
	if errors.Is(err, errClosed) || exited(err) {
		return common.ErrTargetDisconnected
	}
	return err
}

// command runs cmd and turns the stop it reports into events. Stops that
// only continue a step in progress produce nothing.
func (t *Target) command(cmd api.DebuggerCommand) {
	for {
		t.logger.Debug().Str("command", cmd.Name).Msg("resuming target")
		out, err := call[rpc2.CommandOut](t.ctx, t.client, RPCCommand, cmd)
		if err != nil {
			if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) || exited(err) {
				t.emit(nil, nil)
				return
			}
			t.emit(nil, errors.Wrapf(err, "%s failed", cmd.Name))
			return
		}
		if out.State.Exited {
			t.logger.Debug().Int("status", out.State.ExitStatus).Msg("target exited")
			t.emit(nil, nil)
			return
		}

		batch, next := t.onStop(out.State)
		if next == "" {
			t.emit(batch, nil)
			return
		}
		cmd = api.DebuggerCommand{Name: next}
	}
}

// onStop translates a stop. A non-empty next command means the stop was
// inside an excluded function and the step has to go on.
func (t *Target) onStop(state api.DebuggerState) ([]common.Event, string) {
	th := state.CurrentThread
	if th == nil {
		return []common.Event{common.Other{Kind: "halt"}}, ""
	}
	loc := common.Location{File: th.File, Line: th.Line, Function: functionName(th.Function), PC: th.PC}
	thread := common.ThreadID(th.GoroutineID)

	t.mu.Lock()
	t.thread = th.GoroutineID
	step := t.step
	if th.Breakpoint != nil && step != nil && step.issued && !state.NextInProgress {
		t.step = nil
		step = nil
	}
	var hit common.Request
	var ok bool
	if th.Breakpoint != nil {
		hit, ok = t.armed[th.Breakpoint.ID]
	}
	t.mu.Unlock()

	if th.Breakpoint != nil {
		if ok {
			return []common.Event{common.BreakpointHit{Location: loc, Thread: thread, Request: hit}}, ""
		}
		return []common.Event{common.Other{Kind: "breakpoint " + th.Breakpoint.Name}}, ""
	}

	if step == nil || !step.issued {
		return []common.Event{common.Other{Kind: "stopped"}}, ""
	}
	if common.Excluded(loc.Function, step.exclude) {
		return nil, t.leaveExcluded(step)
	}
	t.mu.Lock()
	returned := step.returning
	step.returning = false
	t.mu.Unlock()
	if returned {
		// back at the call site, mid-line: the step goes on from here
		return nil, stepCommand(step.kind)
	}
	return []common.Event{common.StepComplete{Location: loc, Thread: thread, Request: step.req}}, ""
}

// leaveExcluded picks how to get back to non-excluded code: step out when
// such a caller exists, otherwise drop the step and continue.
func (t *Target) leaveExcluded(step *stepRequest) string {
	frames, err := t.Frames(t.ctx, step.req.Thread)
	if err == nil && len(frames) > 1 {
		for _, f := range frames[1:] {
			if !common.Excluded(f.Function, step.exclude) {
				t.mu.Lock()
				step.returning = true
				t.mu.Unlock()
				return api.StepOut
			}
		}
	}
	t.mu.Lock()
	if t.step == step {
		t.step = nil
	}
	t.mu.Unlock()
	return api.Continue
}

// Frames returns the goroutine's stack
func (t *Target) Frames(ctx context.Context, thread common.ThreadID) ([]common.Frame, error) {
	out, err := call[rpc2.StacktraceOut](ctx, t.client, RPCStacktrace, rpc2.StacktraceIn{
		Id:    int64(thread),
		Depth: stackDepth,
	})
	if err != nil {
		return nil, err
	}

	frames := make([]common.Frame, 0, len(out.Locations))
	for i, f := range out.Locations {
		fn := functionName(f.Function)
		frames = append(frames, common.Frame{
			Function: fn,
			Location: common.Location{File: f.File, Line: f.Line, Function: fn, PC: f.PC},
			Ref:      i,
		})
	}
	return frames, nil
}

// Locals returns the arguments and local variables of frame
func (t *Target) Locals(ctx context.Context, thread common.ThreadID, frame common.Frame) ([]common.Variable, error) {
	scope := api.EvalScope{GoroutineID: int64(thread), Frame: frame.Ref}

	args, err := call[rpc2.ListFunctionArgsOut](ctx, t.client, RPCListFunctionArgs, rpc2.ListFunctionArgsIn{Scope: scope, Cfg: loadConfig})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list function arguments")
	}
	locals, err := call[rpc2.ListLocalVarsOut](ctx, t.client, RPCListLocalVars, rpc2.ListLocalVarsIn{Scope: scope, Cfg: loadConfig})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list local variables")
	}

	vars := make([]common.Variable, 0, len(args.Args)+len(locals.Variables))
	for _, v := range append(args.Args, locals.Variables...) {
		vars = append(vars, common.Variable{Name: v.Name, Value: convertValue(v)})
	}
	return vars, nil
}

// Close detaches and kills the program
func (t *Target) Close() error {
	t.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := call[rpc2.DetachOut](ctx, t.client, RPCDetach, rpc2.DetachIn{Kill: true}); err != nil {
		t.logger.Debug().Err(err).Msg("detach failed")
	}
	return t.client.Close()
}

// convertValue keeps arrays and slices as element lists and renders
// everything else the way Delve prints it on one line
func convertValue(v api.Variable) common.Value {
	if v.Unreadable != "" {
		return common.Value{Text: fmt.Sprintf("(unreadable %s)", v.Unreadable)}
	}
	switch v.Kind {
	case reflect.Slice, reflect.Array:
		val := common.Value{Text: v.SinglelineString(), Composite: true}
		for _, c := range v.Children {
			val.Elements = append(val.Elements, convertValue(c))
		}
		return val
	}
	return common.Value{Text: v.SinglelineString()}
}

func stepCommand(kind common.StepKind) string {
	if kind == common.StepInto {
		return api.Step
	}
	return api.Next
}

func functionName(fn *api.Function) string {
	if fn == nil {
		return ""
	}
	return fn.Name()
}

func exited(err error) bool {
	return strings.Contains(err.Error(), "has exited")
}
