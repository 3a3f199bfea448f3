// Package engine implements the debugger session: breakpoint registry,
// stepping, inspection, the operator command loop and the event dispatch
// loop that ties them to a launched target.
package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

// State is the lifecycle state of a session
type State int

const (
	Idle State = iota
	Launching
	Running
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures a session
type Options struct {
	// Entry names the package whose loading starts the session, "main" by
	// default, or a function of it like <package>.TestName
	Entry string

	// Breakpoints are armed right after the entry breakpoint
	Breakpoints []int

	// StepExclude overrides common.DefaultStepExclude. The entry package is
	// always exempt.
	StepExclude []string

	// In and Out carry the operator protocol
	In  io.Reader
	Out io.Writer

	// TargetOut and TargetErr receive the target's relayed output
	TargetOut io.Writer
	TargetErr io.Writer

	Logger zerolog.Logger
}

// Session is the control state of one debugger invocation. Only the
// goroutine running Run may touch it.
type Session struct {
	ID string

	launcher common.Launcher
	opts     Options
	logger   zerolog.Logger
	out      io.Writer
	state    State

	target  common.Target
	events  common.EventSource
	process common.Process
	typ     common.TypeHandle

	Breakpoints *Registry
	Stepping    *Stepper
	Inspector   *VariableInspector

	interp *Interpreter
	relay  *Relay
}

// NewSession creates an idle session that launches its target with launcher
func NewSession(launcher common.Launcher, opts Options) *Session {
	if opts.Entry == "" {
		opts.Entry = "main"
	}
	exclude := opts.StepExclude
	if exclude == nil {
		exclude = common.DefaultStepExclude
	}
	pkg, _ := common.ParseEntry(opts.Entry)
	opts.StepExclude = append(append([]string(nil), exclude...), "!"+pkg+".")
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.TargetOut == nil {
		opts.TargetOut = os.Stdout
	}
	if opts.TargetErr == nil {
		opts.TargetErr = os.Stderr
	}

	id := uuid.NewString()
	s := &Session{
		ID:       id,
		launcher: launcher,
		opts:     opts,
		logger:   opts.Logger.With().Str("session", id).Logger(),
		out:      opts.Out,
		state:    Idle,
	}
	s.interp = NewInterpreter(s, opts.In, opts.Out)
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.state
}

// Type returns the loaded type, zero until ClassReady was handled
func (s *Session) Type() common.TypeHandle {
	return s.typ
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug().Stringer("from", s.state).Stringer("to", state).Msg("session state")
	s.state = state
}

func (s *Session) attach(l *common.Launch) {
	s.target = l.Target
	s.events = l.Events
	s.process = l.Process
	s.Breakpoints = NewRegistry(l.Target, s.logger)
	s.Stepping = NewStepper(l.Target, s.opts.StepExclude, s.logger)
	s.Inspector = NewVariableInspector(l.Target, s.opts.StepExclude)
	if l.Process != nil {
		s.relay = StartRelay(l.Process.Stdout(), l.Process.Stderr(), s.opts.TargetOut, s.opts.TargetErr, s.logger)
	}
}

// shutdown releases the target and waits for the relay to drain
func (s *Session) shutdown(kill bool) {
	if s.target != nil {
		if err := s.target.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close target")
		}
	}
	if s.process == nil {
		return
	}
	if kill {
		if err := s.process.Kill(); err != nil {
			s.logger.Debug().Err(err).Msg("failed to kill target process")
		}
	}
	if s.relay != nil {
		s.relay.Wait()
	}
	if err := s.process.Wait(); err != nil {
		s.logger.Debug().Err(err).Msg("target process exited")
	}
}
