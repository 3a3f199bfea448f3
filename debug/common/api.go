package common

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
)

// TypeHandle identifies the code unit under debug: the package whose
// functions are rendered and the source file its entry function lives in.
type TypeHandle struct {
	Name   string
	Source string
}

// ThreadID is the backend's handle of a suspended thread (a goroutine for Delve)
type ThreadID int64

// Location is a resolved executable position in the target
type Location struct {
	File     string
	Line     int
	Function string
	PC       uint64
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%s:%d", l.Function, l.Line)
	}
	return fmt.Sprintf("%s:%d", filepath.Base(l.File), l.Line)
}

// RequestKind tells breakpoint requests from step requests
type RequestKind int

const (
	RequestBreakpoint RequestKind = iota
	RequestStep
)

// Request is an armed target-side request
type Request struct {
	ID       int
	Kind     RequestKind
	Location Location
	Thread   ThreadID
}

// StepKind selects whether a step descends into called functions
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
)

func (k StepKind) String() string {
	if k == StepInto {
		return "into"
	}
	return "over"
}

// Frame is one level of a thread's call stack
type Frame struct {
	Function string
	Location Location
	// Ref is the backend's frame handle, only valid until the next resume
	Ref int
}

// Value is a variable's value as reported by the target. Composite values
// (arrays, slices) carry their elements.
type Value struct {
	Text      string
	Composite bool
	Elements  []Value
}

// Variable is a named value visible in a frame
type Variable struct {
	Name  string
	Value Value
}

// Event is a debug event reported by the target. The set of variants is
// closed: ClassReady, BreakpointHit, StepComplete and Other.
type Event interface {
	isEvent()
}

// ClassReady reports that the watched type has been loaded
type ClassReady struct {
	Type TypeHandle
}

// BreakpointHit reports a thread stopped on an armed breakpoint
type BreakpointHit struct {
	Location Location
	Thread   ThreadID
	Request  Request
}

// StepComplete reports a thread stopped after a step request
type StepComplete struct {
	Location Location
	Thread   ThreadID
	Request  Request
}

// Other is any event the session does not act on
type Other struct {
	Kind string
}

func (ClassReady) isEvent()    {}
func (BreakpointHit) isEvent() {}
func (StepComplete) isEvent()  {}
func (Other) isEvent()         {}

// EventSource delivers event batches. The target stays suspended while a
// batch is handled, until Target.Resume is called.
type EventSource interface {
	// Next blocks until the next batch arrives. It returns
	// ErrTargetDisconnected once the target is gone.
	Next(ctx context.Context) ([]Event, error)
}

// Resolver answers symbol questions about the loaded type
type Resolver interface {
	// LocationsOfLine returns every executable location for line, possibly none
	LocationsOfLine(ctx context.Context, typ TypeHandle, line int) ([]Location, error)

	// EntryLine returns the first line of the type's entry function
	EntryLine(ctx context.Context, typ TypeHandle) (int, error)
}

// RequestControl arms and disarms target-side requests
type RequestControl interface {
	CreateBreakpoint(ctx context.Context, loc Location) (Request, error)

	// CreateStep arms a single-shot step for thread. Stops inside functions
	// matching any of the exclude prefixes are never reported.
	CreateStep(ctx context.Context, thread ThreadID, kind StepKind, exclude []string) (Request, error)

	Disable(ctx context.Context, req Request) error
}

// Inspector introspects a suspended thread
type Inspector interface {
	// Frames returns the thread's stack, innermost first
	Frames(ctx context.Context, thread ThreadID) ([]Frame, error)

	// Locals returns the variables visible in the given frame
	Locals(ctx context.Context, thread ThreadID, frame Frame) ([]Variable, error)
}

// Target is the execution handle of a launched process
type Target interface {
	Resolver
	RequestControl
	Inspector

	// WatchType asks for a ClassReady event once the named type is loaded
	WatchType(ctx context.Context, name string) error

	// Resume lets the suspended target run again
	Resume(ctx context.Context) error

	// Close detaches from the target and releases the debug server
	Close() error
}

// Process is the launched OS process whose output is relayed
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Launch is what a Launcher hands back for a started target
type Launch struct {
	Events  EventSource
	Target  Target
	Process Process
}

// Launcher starts a target process under the debugger
type Launcher interface {
	Launch(ctx context.Context, entry string) (*Launch, error)
}
