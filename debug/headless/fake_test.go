package headless

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const helloFile = "/src/hello.go"

// functions maps the functions of hello.go to their first line
var functions = map[string]int{"main.main": 5, "main.helper": 16}

// fakeServer serves the subset of Delve's RPCServer the target uses. Each
// Command runs the next script step.
type fakeServer struct {
	mu          sync.Mutex
	code        map[int]uint64
	nextBP      int
	breakpoints map[int]api.Breakpoint
	commands    []string
	script      []func(s *fakeServer) (api.DebuggerState, error)
	frames      []api.Stackframe
	args        []api.Variable
	locals      []api.Variable
	detached    bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		code:        map[int]uint64{5: 0x100, 6: 0x120, 8: 0x140, 10: 0x180, 11: 0x1a0, 16: 0x200},
		breakpoints: make(map[int]api.Breakpoint),
	}
}

// start serves s over an in-memory connection and returns a target on it
func (s *fakeServer) start(t *testing.T) *Target {
	clientConn, serverConn := net.Pipe()
	srv := rpc.NewServer()
	if err := srv.RegisterName("RPCServer", s); err != nil {
		t.Fatal(err)
	}
	go srv.ServeCodec(jsonrpc.NewServerCodec(serverConn))

	target := NewTarget(NewClient(clientConn, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() { target.Close() })
	return target
}

func (s *fakeServer) FindLocation(in rpc2.FindLocationIn, out *rpc2.FindLocationOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line, ok := functions[in.Loc]; ok {
		out.Locations = []api.Location{{File: helloFile, Line: line, PC: s.code[line], Function: &api.Function{Name_: in.Loc}}}
		return nil
	}
	var line int
	if _, err := fmt.Sscanf(strings.TrimPrefix(in.Loc, helloFile+":"), "%d", &line); err != nil {
		return errors.Errorf("location %q not found", in.Loc)
	}
	pc, ok := s.code[line]
	if !ok {
		return errors.Errorf("could not find statement at %s", in.Loc)
	}
	out.Locations = []api.Location{{File: helloFile, Line: line, PC: pc, Function: &api.Function{Name_: "main.main"}}}
	return nil
}

func (s *fakeServer) CreateBreakpoint(in rpc2.CreateBreakpointIn, out *rpc2.CreateBreakpointOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBP++
	bp := in.Breakpoint
	bp.ID = s.nextBP
	s.breakpoints[bp.ID] = bp
	out.Breakpoint = bp
	return nil
}

func (s *fakeServer) ClearBreakpoint(in rpc2.ClearBreakpointIn, out *rpc2.ClearBreakpointOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.breakpoints[in.Id]
	if !ok {
		return errors.Errorf("no breakpoint with id %d", in.Id)
	}
	delete(s.breakpoints, in.Id)
	out.Breakpoint = &bp
	return nil
}

func (s *fakeServer) Command(in api.DebuggerCommand, out *rpc2.CommandOut) error {
	s.mu.Lock()
	s.commands = append(s.commands, in.Name)
	var step func(s *fakeServer) (api.DebuggerState, error)
	if len(s.script) > 0 {
		step = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()
	if step == nil {
		return errors.Errorf("unexpected command %s", in.Name)
	}
	state, err := step(s)
	out.State = state
	return err
}

func (s *fakeServer) Stacktrace(in rpc2.StacktraceIn, out *rpc2.StacktraceOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Locations = s.frames
	return nil
}

func (s *fakeServer) ListFunctionArgs(in rpc2.ListFunctionArgsIn, out *rpc2.ListFunctionArgsOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Args = s.args
	return nil
}

func (s *fakeServer) ListLocalVars(in rpc2.ListLocalVarsIn, out *rpc2.ListLocalVarsOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Variables = s.locals
	return nil
}

func (s *fakeServer) Detach(in rpc2.DetachIn, out *rpc2.DetachOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = in.Kill
	return nil
}

func (s *fakeServer) sentCommands() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.commands, ",")
}

func (s *fakeServer) breakpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakpoints)
}

// stopAt moves goroutine 1 to frames and reports the stop, on the
// breakpoint with id bp when bp is positive
func (s *fakeServer) stopAt(bp int, frames ...api.Stackframe) api.DebuggerState {
	s.mu.Lock()
	s.frames = frames
	s.mu.Unlock()

	top := frames[0]
	th := &api.Thread{ID: 7, GoroutineID: 1, File: top.File, Line: top.Line, PC: top.PC, Function: top.Function}
	if bp > 0 {
		th.Breakpoint = &api.Breakpoint{ID: bp, File: top.File, Line: top.Line}
	}
	return api.DebuggerState{CurrentThread: th}
}

func stackframe(fn string, file string, line int) api.Stackframe {
	return api.Stackframe{Location: api.Location{File: file, Line: line, Function: &api.Function{Name_: fn}}}
}

func str(name, value string) api.Variable {
	return api.Variable{Name: name, Kind: reflect.String, Type: "string", Value: value, Len: int64(len(value))}
}
