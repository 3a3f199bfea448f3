package dap

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-dap"
)

const helloFile = "/src/hello.go"

// functions maps the functions of hello.go to their first line
var functions = map[string]int{"main.main": 5, "main.helper": 16}

// fakeServer answers DAP requests the way Delve does for a small program.
// Each resuming request runs the next script step, which usually sends a
// stopped or terminated event.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader

	mu       sync.Mutex
	seq      int
	code     map[int]bool
	armed    map[string][]int
	frames   []dap.StackFrame
	vars     map[int][]dap.Variable
	commands []string
	script   []func(s *fakeServer)
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	return &fakeServer{
		t:      t,
		conn:   conn,
		reader: bufio.NewReader(conn),
		code:   map[int]bool{5: true, 6: true, 8: true, 10: true, 11: true, 12: true, 16: true},
		armed:  make(map[string][]int),
		vars:   make(map[int][]dap.Variable),
	}
}

func (s *fakeServer) serve() {
	defer s.conn.Close()
	for {
		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			return
		}
		switch req := msg.(type) {
		case *dap.InitializeRequest:
			s.send(&dap.InitializeResponse{Response: s.response(req.Request)})
		case *dap.LaunchRequest:
			s.send(&dap.LaunchResponse{Response: s.response(req.Request)})
			s.send(&dap.InitializedEvent{Event: s.event("initialized")})
		case *dap.SetFunctionBreakpointsRequest:
			var bps []dap.Breakpoint
			for _, fb := range req.Arguments.Breakpoints {
				if line, ok := functions[fb.Name]; ok {
					bps = append(bps, dap.Breakpoint{Id: 100, Verified: true, Line: line, Source: &dap.Source{Path: helloFile}})
				} else {
					bps = append(bps, dap.Breakpoint{Message: "could not find function " + fb.Name})
				}
			}
			resp := &dap.SetFunctionBreakpointsResponse{Response: s.response(req.Request)}
			resp.Body.Breakpoints = bps
			s.send(resp)
		case *dap.SetBreakpointsRequest:
			s.setBreakpoints(req)
		case *dap.ConfigurationDoneRequest:
			s.send(&dap.ConfigurationDoneResponse{Response: s.response(req.Request)})
			s.resume(req.Command)
		case *dap.ContinueRequest:
			s.send(&dap.ContinueResponse{Response: s.response(req.Request)})
			s.resume(req.Command)
		case *dap.NextRequest:
			s.send(&dap.NextResponse{Response: s.response(req.Request)})
			s.resume(req.Command)
		case *dap.StepInRequest:
			s.send(&dap.StepInResponse{Response: s.response(req.Request)})
			s.resume(req.Command)
		case *dap.StepOutRequest:
			s.send(&dap.StepOutResponse{Response: s.response(req.Request)})
			s.resume(req.Command)
		case *dap.StackTraceRequest:
			resp := &dap.StackTraceResponse{Response: s.response(req.Request)}
			s.mu.Lock()
			resp.Body.StackFrames = s.frames
			s.mu.Unlock()
			resp.Body.TotalFrames = len(resp.Body.StackFrames)
			s.send(resp)
		case *dap.ScopesRequest:
			resp := &dap.ScopesResponse{Response: s.response(req.Request)}
			resp.Body.Scopes = []dap.Scope{
				{Name: "Locals", VariablesReference: 1000},
				{Name: "Registers", VariablesReference: 2000, Expensive: true},
			}
			s.send(resp)
		case *dap.VariablesRequest:
			resp := &dap.VariablesResponse{Response: s.response(req.Request)}
			s.mu.Lock()
			resp.Body.Variables = s.vars[req.Arguments.VariablesReference]
			s.mu.Unlock()
			s.send(resp)
		case *dap.DisconnectRequest:
			s.send(&dap.DisconnectResponse{Response: s.response(req.Request)})
			return
		case dap.RequestMessage:
			resp := &dap.ErrorResponse{Response: s.response(*req.GetRequest())}
			resp.Success = false
			resp.Message = "unsupported"
			resp.Body.Error = &dap.ErrorMessage{Format: "unsupported request " + req.GetRequest().Command}
			s.send(resp)
		}
	}
}

func (s *fakeServer) setBreakpoints(req *dap.SetBreakpointsRequest) {
	path := req.Arguments.Source.Path
	var armed []int
	var bps []dap.Breakpoint
	for i, sb := range req.Arguments.Breakpoints {
		bp := dap.Breakpoint{Id: i + 1, Line: sb.Line, Source: &dap.Source{Path: path}}
		s.mu.Lock()
		bp.Verified = path == helloFile && s.code[sb.Line]
		s.mu.Unlock()
		if bp.Verified {
			armed = append(armed, sb.Line)
		} else {
			bp.Message = "could not find statement"
		}
		bps = append(bps, bp)
	}
	s.mu.Lock()
	s.armed[path] = armed
	s.mu.Unlock()

	resp := &dap.SetBreakpointsResponse{Response: s.response(req.Request)}
	resp.Body.Breakpoints = bps
	s.send(resp)
}

func (s *fakeServer) resume(command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	var step func(s *fakeServer)
	if len(s.script) > 0 {
		step = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()
	if step == nil {
		s.t.Errorf("unexpected %s", command)
		return
	}
	step(s)
}

// stop moves the goroutine to frames and reports the stop
func (s *fakeServer) stop(reason string, thread int, frames ...dap.StackFrame) {
	s.mu.Lock()
	s.frames = frames
	s.mu.Unlock()
	ev := &dap.StoppedEvent{Event: s.event("stopped")}
	ev.Body.Reason = reason
	ev.Body.ThreadId = thread
	ev.Body.AllThreadsStopped = true
	s.send(ev)
}

func (s *fakeServer) output(category, text string) {
	ev := &dap.OutputEvent{Event: s.event("output")}
	ev.Body.Category = category
	ev.Body.Output = text
	s.send(ev)
}

func (s *fakeServer) terminate() {
	s.send(&dap.TerminatedEvent{Event: s.event("terminated")})
}

func (s *fakeServer) armedLines(path string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.armed[path]...)
}

func (s *fakeServer) sentCommands() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.commands, ",")
}

func (s *fakeServer) response(req dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *fakeServer) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           name,
	}
}

func (s *fakeServer) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *fakeServer) send(msg dap.Message) {
	if err := dap.WriteProtocolMessage(s.conn, msg); err != nil {
		s.t.Logf("fake server write: %v", err)
	}
}

func frame(id int, name string, file string, line int) dap.StackFrame {
	return dap.StackFrame{Id: id, Name: name, Line: line, Source: &dap.Source{Path: file}}
}

// outputLog collects output events
type outputLog struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (o *outputLog) write(category, output string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch category {
	case "stdout":
		o.stdout.WriteString(output)
	case "stderr":
		o.stderr.WriteString(output)
	}
}

func (o *outputLog) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String()
}
