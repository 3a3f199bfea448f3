package dap

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

const (
	stackDepth = 50

	// maxValueDepth bounds how deep composite values are expanded
	maxValueDepth = 3
)

// Target drives a program launched by a Delve DAP server
type Target struct {
	client *Client
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	watch   chan string
	batches chan []common.Event
	err     error

	mu         sync.Mutex
	nextID     int
	configured bool
	thread     int
	entry      common.Location
	files      map[string][]armed
	step       *stepRequest
}

// armed is a line breakpoint the DAP server knows about
type armed struct {
	line int
	req  common.Request
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

// NewTarget starts translating the client's events
func NewTarget(client *Client, logger zerolog.Logger) *Target {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Target{
		client:  client,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		watch:   make(chan string, 1),
		batches: make(chan []common.Event, 1),
		files:   make(map[string][]armed),
	}
	go t.pump()
	return t
}

// Initialize performs the initialize and launch handshake. The program
// does not run before the first Resume.
func (t *Target) Initialize(ctx context.Context, program string, args []string, mode string) error {
	_, err := t.client.Send(ctx, &dap.InitializeRequest{
		Request: t.client.newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:             "ddbg",
			ClientName:           "ddbg",
			AdapterID:            "go",
			PathFormat:           "path",
			LinesStartAt1:        true,
			ColumnsStartAt1:      true,
			SupportsVariableType: true,
		},
	})
	if err != nil {
		return err
	}

	if args == nil {
		args = []string{}
	}
	launchArgs, err := json.Marshal(map[string]interface{}{
		"mode":                 mode,
		"program":              program,
		"args":                 args,
		"stopOnEntry":          false,
		"outputMode":           "remote",
		"hideSystemGoroutines": true,
		"stackTraceDepth":      stackDepth,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal launch arguments")
	}
	_, err = t.client.Send(ctx, &dap.LaunchRequest{
		Request:   t.client.newRequest("launch"),
		Arguments: json.RawMessage(launchArgs),
	})
	return err
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

// WatchType reports ClassReady once the server is initialized and the
// entry function is found.
func (t *Target) WatchType(ctx context.Context, name string) error {
	select {
	case t.watch <- name:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return common.ErrTargetDisconnected
	}
}

// pump turns DAP events into event batches until the target terminates
func (t *Target) pump() {
	defer close(t.batches)

	var initialized bool
	var watched string
	events := t.client.Events()
	for {
		var batch []common.Event
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			switch ev := msg.(type) {
			case *dap.InitializedEvent:
				initialized = true
			case *dap.StoppedEvent:
				batch = t.onStopped(ev)
			case *dap.TerminatedEvent:
				t.logger.Debug().Msg("target terminated")
				return
			default:
				t.logger.Debug().Msgf("ignoring DAP event %T", ev)
			}
		case name := <-t.watch:
			watched = name
		case <-t.ctx.Done():
			return
		}

		if initialized && watched != "" {
			ready, err := t.resolveEntry(watched)
			if err != nil {
				t.err = err
				return
			}
			watched = ""
			batch = append(batch, ready)
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case t.batches <- batch:
		case <-t.ctx.Done():
			return
		}
	}
}

// resolveEntry finds where the entry function starts by arming and
// clearing a function breakpoint on it.
func (t *Target) resolveEntry(name string) (common.Event, error) {
	pkg, fn := common.ParseEntry(name)
	bps, err := t.setFunctionBreakpoints(t.ctx, fn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", fn)
	}
	if len(bps) == 0 || !bps[0].Verified {
		msg := "not found"
		if len(bps) > 0 && bps[0].Message != "" {
			msg = bps[0].Message
		}
		return nil, errors.Errorf("cannot find %s: %s", fn, msg)
	}
	if _, err := t.setFunctionBreakpoints(t.ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to clear breakpoint on %s", fn)
	}

	entry := common.Location{File: sourcePath(bps[0].Source), Line: bps[0].Line, Function: fn}
	t.mu.Lock()
	t.entry = entry
	t.mu.Unlock()
	t.logger.Debug().Str("function", fn).Str("file", entry.File).Int("line", entry.Line).Msg("entry resolved")

	return common.ClassReady{Type: common.TypeHandle{Name: pkg, Source: entry.File}}, nil
}

func (t *Target) onStopped(ev *dap.StoppedEvent) []common.Event {
	reason := ev.Body.Reason
	thread := ev.Body.ThreadId

	t.mu.Lock()
	t.thread = thread
	step := t.step
	if step != nil && step.issued && reason != "step" {
		// the stop interrupted the step, which Delve then abandons
		t.step = nil
		step = nil
	}
	t.mu.Unlock()

	frames, err := t.Frames(t.ctx, common.ThreadID(thread))
	if err != nil || len(frames) == 0 {
		t.logger.Warn().Err(err).Str("reason", reason).Int("thread", thread).Msg("cannot locate stop")
		return []common.Event{common.Other{Kind: "stopped: " + reason}}
	}
	top := frames[0].Location

	switch reason {
	case "breakpoint":
		if req, ok := t.breakpointAt(top); ok {
			return []common.Event{common.BreakpointHit{Location: top, Thread: common.ThreadID(thread), Request: req}}
		}
	case "step":
		if step == nil {
			break
		}
		if common.Excluded(top.Function, step.exclude) {
			t.leaveExcluded(frames, step)
			return nil
		}
		if t.returned(step) {
			// back at the call site, mid-line: the step goes on from here
			if err := t.sendStep(t.ctx, step); err != nil {
				t.logger.Warn().Err(err).Msg("failed to resume step after leaving excluded code")
			}
			return nil
		}
		return []common.Event{common.StepComplete{Location: top, Thread: common.ThreadID(thread), Request: step.req}}
	}
	return []common.Event{common.Other{Kind: "stopped: " + reason}}
}

// leaveExcluded keeps a step going until it stops outside excluded
// functions. Without a caller to return to, the step is dropped.
func (t *Target) leaveExcluded(frames []common.Frame, step *stepRequest) {
	thread := int(step.req.Thread)
	for _, f := range frames[1:] {
		if common.Excluded(f.Function, step.exclude) {
			continue
		}
		t.mu.Lock()
		step.returning = true
		t.mu.Unlock()
		_, err := t.client.Send(t.ctx, &dap.StepOutRequest{
			Request:   t.client.newRequest("stepOut"),
			Arguments: dap.StepOutArguments{ThreadId: thread},
		})
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to step out of excluded function")
		}
		return
	}

	t.mu.Lock()
	if t.step == step {
		t.step = nil
	}
	t.mu.Unlock()
	_, err := t.client.Send(t.ctx, &dap.ContinueRequest{
		Request:   t.client.newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: thread},
	})
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to continue after step")
	}
}

// returned reports and clears whether step just came back from excluded code
func (t *Target) returned(step *stepRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := step.returning
	step.returning = false
	return r
}

// sendStep issues step as a stepIn or next request
func (t *Target) sendStep(ctx context.Context, step *stepRequest) error {
	thread := int(step.req.Thread)
	if step.kind == common.StepInto {
		_, err := t.client.Send(ctx, &dap.StepInRequest{
			Request:   t.client.newRequest("stepIn"),
			Arguments: dap.StepInArguments{ThreadId: thread},
		})
		return err
	}
	_, err := t.client.Send(ctx, &dap.NextRequest{
		Request:   t.client.newRequest("next"),
		Arguments: dap.NextArguments{ThreadId: thread},
	})
	return err
}

func (t *Target) breakpointAt(loc common.Location) (common.Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.files[loc.File] {
		if a.line == loc.Line {
			return a.req, true
		}
	}
	return common.Request{}, false
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

// LocationsOfLine probes line by arming it alongside the file's current
// breakpoints and restoring them afterwards.
func (t *Target) LocationsOfLine(ctx context.Context, typ common.TypeHandle, line int) ([]common.Location, error) {
	file := typ.Source
	t.mu.Lock()
	lines := t.linesOf(file)
	t.mu.Unlock()

	for _, l := range lines {
		if l == line {
			return []common.Location{{File: file, Line: line}}, nil
		}
	}

	bps, err := t.setBreakpoints(ctx, file, append(append([]int(nil), lines...), line))
	if _, restoreErr := t.setBreakpoints(ctx, file, lines); restoreErr != nil && err == nil {
		err = restoreErr
	}
	if err != nil {
		return nil, err
	}
	if len(bps) != len(lines)+1 {
		return nil, errors.Errorf("expected %d breakpoints, got %d", len(lines)+1, len(bps))
	}
	bp := bps[len(lines)]
	if !bp.Verified || bp.Line != line {
		t.logger.Debug().Int("line", line).Str("message", bp.Message).Msg("no code at line")
		return nil, nil
	}
	return []common.Location{{File: file, Line: line}}, nil
}

// CreateBreakpoint arms a line breakpoint
func (t *Target) CreateBreakpoint(ctx context.Context, loc common.Location) (common.Request, error) {
	t.mu.Lock()
	t.nextID++
	req := common.Request{ID: t.nextID, Kind: common.RequestBreakpoint, Location: loc}
	prev := t.files[loc.File]
	next := append(append([]armed(nil), prev...), armed{line: loc.Line, req: req})
	sort.SliceStable(next, func(i, j int) bool { return next[i].line < next[j].line })
	t.files[loc.File] = next
	lines := t.linesOf(loc.File)
	t.mu.Unlock()

	bps, err := t.setBreakpoints(ctx, loc.File, lines)
	if err == nil {
		for i, l := range lines {
			if l == loc.Line && (i >= len(bps) || !bps[i].Verified) {
				err = errors.Errorf("breakpoint at %s rejected", loc)
			}
		}
	}
	if err != nil {
		t.mu.Lock()
		t.files[loc.File] = prev
		t.mu.Unlock()
		return common.Request{}, err
	}
	return req, nil
}

// CreateStep arms a step that is issued on the next Resume
func (t *Target) CreateStep(ctx context.Context, thread common.ThreadID, kind common.StepKind, exclude []string) (common.Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	req := common.Request{ID: t.nextID, Kind: common.RequestStep, Thread: thread}
	t.step = &stepRequest{req: req, kind: kind, exclude: exclude}
	return req, nil
}

// Disable disarms a breakpoint or a step
func (t *Target) Disable(ctx context.Context, req common.Request) error {
	t.mu.Lock()
	if req.Kind == common.RequestStep {
		if t.step != nil && t.step.req.ID == req.ID {
			t.step = nil
		}
		t.mu.Unlock()
		return nil
	}

	file := req.Location.File
	var rest []armed
	for _, a := range t.files[file] {
		if a.req.ID != req.ID {
			rest = append(rest, a)
		}
	}
	t.files[file] = rest
	lines := t.linesOf(file)
	t.mu.Unlock()

	_, err := t.setBreakpoints(ctx, file, lines)
	return err
}

// Resume starts the program on its first call. Later calls issue the
// armed step, or continue.
func (t *Target) Resume(ctx context.Context) error {
	t.mu.Lock()
	configured := t.configured
	t.configured = true
	step := t.step
	issue := step != nil && !step.issued
	if issue {
		step.issued = true
	}
	thread := t.thread
	t.mu.Unlock()

	var err error
	switch {
	case !configured:
		_, err = t.client.Send(ctx, &dap.ConfigurationDoneRequest{
			Request: t.client.newRequest("configurationDone"),
		})
	case issue:
		err = t.sendStep(ctx, step)
	default:
		_, err = t.client.Send(ctx, &dap.ContinueRequest{
			Request:   t.client.newRequest("continue"),
			Arguments: dap.ContinueArguments{ThreadId: thread},
		})
	}
	if errors.Is(err, errClosed) {
		return common.ErrTargetDisconnected
	}
	return err
}

// Frames returns the thread's stack
func (t *Target) Frames(ctx context.Context, thread common.ThreadID) ([]common.Frame, error) {
	msg, err := t.client.Send(ctx, &dap.StackTraceRequest{
		Request:   t.client.newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: int(thread), Levels: stackDepth},
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*dap.StackTraceResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response type: %T", msg)
	}

	frames := make([]common.Frame, 0, len(resp.Body.StackFrames))
	for _, f := range resp.Body.StackFrames {
		frames = append(frames, common.Frame{
			Function: f.Name,
			Location: common.Location{File: sourcePath(f.Source), Line: f.Line, Function: f.Name},
			Ref:      f.Id,
		})
	}
	return frames, nil
}

// Locals returns the variables of every cheap scope of frame
func (t *Target) Locals(ctx context.Context, thread common.ThreadID, frame common.Frame) ([]common.Variable, error) {
	msg, err := t.client.Send(ctx, &dap.ScopesRequest{
		Request:   t.client.newRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frame.Ref},
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*dap.ScopesResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response type: %T", msg)
	}

	var vars []common.Variable
	for _, scope := range resp.Body.Scopes {
		if scope.Expensive || scope.VariablesReference == 0 {
			continue
		}
		scoped, err := t.variables(ctx, scope.VariablesReference, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read scope %s", scope.Name)
		}
		vars = append(vars, scoped...)
	}
	return vars, nil
}

func (t *Target) variables(ctx context.Context, ref int, depth int) ([]common.Variable, error) {
	msg, err := t.client.Send(ctx, &dap.VariablesRequest{
		Request:   t.client.newRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: ref},
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*dap.VariablesResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response type: %T", msg)
	}

	vars := make([]common.Variable, 0, len(resp.Body.Variables))
	for _, v := range resp.Body.Variables {
		val, err := t.value(ctx, v, depth)
		if err != nil {
			return nil, err
		}
		vars = append(vars, common.Variable{Name: v.Name, Value: val})
	}
	return vars, nil
}

// value converts v, expanding arrays and slices into their elements
func (t *Target) value(ctx context.Context, v dap.Variable, depth int) (common.Value, error) {
	if !strings.HasPrefix(v.Type, "[") && v.IndexedVariables == 0 {
		return common.Value{Text: v.Value}, nil
	}
	val := common.Value{Text: v.Value, Composite: true}
	if v.VariablesReference == 0 || depth >= maxValueDepth {
		return val, nil
	}
	children, err := t.variables(ctx, v.VariablesReference, depth+1)
	if err != nil {
		return common.Value{}, err
	}
	for _, c := range children {
		val.Elements = append(val.Elements, c.Value)
	}
	return val, nil
}

// Close disconnects, which makes Delve kill the launched program
func (t *Target) Close() error {
	t.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := t.client.Send(ctx, &dap.DisconnectRequest{Request: t.client.newRequest("disconnect")}); err != nil {
		t.logger.Debug().Err(err).Msg("disconnect failed")
	}
	return t.client.Close()
}

func (t *Target) setBreakpoints(ctx context.Context, file string, lines []int) ([]dap.Breakpoint, error) {
	bps := make([]dap.SourceBreakpoint, 0, len(lines))
	for _, l := range lines {
		bps = append(bps, dap.SourceBreakpoint{Line: l})
	}
	msg, err := t.client.Send(ctx, &dap.SetBreakpointsRequest{
		Request: t.client.newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: bps,
		},
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*dap.SetBreakpointsResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response type: %T", msg)
	}
	return resp.Body.Breakpoints, nil
}

func (t *Target) setFunctionBreakpoints(ctx context.Context, names ...string) ([]dap.Breakpoint, error) {
	bps := make([]dap.FunctionBreakpoint, 0, len(names))
	for _, n := range names {
		bps = append(bps, dap.FunctionBreakpoint{Name: n})
	}
	msg, err := t.client.Send(ctx, &dap.SetFunctionBreakpointsRequest{
		Request:   t.client.newRequest("setFunctionBreakpoints"),
		Arguments: dap.SetFunctionBreakpointsArguments{Breakpoints: bps},
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*dap.SetFunctionBreakpointsResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response type: %T", msg)
	}
	return resp.Body.Breakpoints, nil
}

// linesOf returns the armed lines of file in order. Callers hold mu.
func (t *Target) linesOf(file string) []int {
	lines := make([]int, 0, len(t.files[file]))
	for _, a := range t.files[file] {
		lines = append(lines, a.line)
	}
	return lines
}

func sourcePath(s *dap.Source) string {
	if s == nil {
		return ""
	}
	return s.Path
}
