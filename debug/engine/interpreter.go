package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xhd2015/ddbg/debug/common"
)

// Commands is the command summary printed on unrecognized input
const Commands = `Commands:
help -> print all commands
set {n} -> set a breakpoint on the n-th line
delete {n} -> delete (if present) the breakpoint on the n-th line
enable {n} -> re-arm a disabled breakpoint
disable {n} -> disarm a breakpoint but keep it listed
list -> list all breakpoints
step {type} -> step into if type = into, over if type = over
run -> run the program until the next breakpoint
print -> print all the variables in scope
stacktrace -> print the stacktrace
`

const prompt = "\nChoose\n> "

// Interpreter reads operator commands while the target is suspended
type Interpreter struct {
	session *Session
	scanner *bufio.Scanner
	out     io.Writer
}

// NewInterpreter creates an interpreter reading from in and printing to out.
// The same interpreter must be used for every suspension so buffered input
// is not lost.
func NewInterpreter(session *Session, in io.Reader, out io.Writer) *Interpreter {
	return &Interpreter{
		session: session,
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

// Loop handles commands until the operator steps or runs. End of input
// counts as run.
func (it *Interpreter) Loop(ctx context.Context, thread common.ThreadID) error {
	if it.session.state != Suspended {
		return errors.Errorf("command loop entered in state %s", it.session.state)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(it.out, prompt)
		if !it.scanner.Scan() {
			if err := it.scanner.Err(); err != nil {
				it.session.logger.Warn().Err(err).Msg("operator input failed, resuming")
			}
			return nil
		}
		if done := it.Execute(ctx, thread, it.scanner.Text()); done {
			return nil
		}
	}
}

// Execute runs one command line and reports whether it leaves the loop
func (it *Interpreter) Execute(ctx context.Context, thread common.ThreadID, line string) bool {
	s := it.session
	fields := strings.Fields(line)
	s.logger.Debug().Str("command", line).Msg("operator command")

	switch {
	case len(fields) == 1 && fields[0] == "run":
		return true

	case len(fields) == 2 && fields[0] == "step" && (fields[1] == "into" || fields[1] == "over"):
		kind := common.StepOver
		if fields[1] == "into" {
			kind = common.StepInto
		}
		if err := s.Stepping.Arm(ctx, kind, thread); err != nil {
			fmt.Fprintf(it.out, "Failed to step: %v\n", err)
			return false
		}
		return true

	case len(fields) == 2 && isLineCommand(fields[0]):
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprint(it.out, Commands)
			return false
		}
		it.lineCommand(ctx, fields[0], n)

	case len(fields) == 1 && fields[0] == "list":
		it.printList()

	case len(fields) == 1 && fields[0] == "print":
		it.printLocals(ctx, thread)

	case len(fields) == 1 && fields[0] == "stacktrace":
		it.printStacktrace(ctx, thread)

	default:
		fmt.Fprint(it.out, Commands)
	}
	return false
}

func isLineCommand(name string) bool {
	switch name {
	case "set", "delete", "enable", "disable":
		return true
	}
	return false
}

func (it *Interpreter) lineCommand(ctx context.Context, name string, line int) {
	reg := it.session.Breakpoints
	var err error
	switch name {
	case "set":
		err = reg.Set(ctx, line)
	case "delete":
		err = reg.Delete(ctx, line)
	case "enable":
		err = reg.Enable(ctx, line)
	case "disable":
		err = reg.Disable(ctx, line)
	}

	switch {
	case err == nil:
	case errors.Is(err, common.ErrNoCodeAtLine):
		fmt.Fprintln(it.out, "Invalid line to set a breakpoint")
	case errors.Is(err, common.ErrNotFound):
		fmt.Fprintln(it.out, "Breakpoint not found")
	default:
		it.session.logger.Error().Err(err).Str("command", name).Int("line", line).Msg("breakpoint command failed")
		fmt.Fprintf(it.out, "Failed to %s breakpoint: %v\n", name, err)
	}
}

func (it *Interpreter) printList() {
	bps := it.session.Breakpoints.List()
	if len(bps) == 0 {
		fmt.Fprintln(it.out, "No breakpoints set.")
		return
	}
	fmt.Fprintln(it.out, "Breakpoints:")
	for _, bp := range bps {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(it.out, "line %d: %s (%s)\n", bp.Line, bp.Location, status)
	}
}

func (it *Interpreter) printLocals(ctx context.Context, thread common.ThreadID) {
	vars, at, ok, err := it.session.Inspector.Locals(ctx, thread)
	if err != nil {
		fmt.Fprintf(it.out, "Cannot inspect variables: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintf(it.out, "No variables of %s at %s\n", it.session.typ.Name, at)
		return
	}
	fmt.Fprintf(it.out, "Variables at %s > \n", at)
	for _, v := range vars {
		fmt.Fprintf(it.out, "%s = %s\n", v.Name, v.Value)
	}
}

func (it *Interpreter) printStacktrace(ctx context.Context, thread common.ThreadID) {
	frames, err := it.session.Inspector.Stacktrace(ctx, thread)
	if err != nil {
		fmt.Fprintf(it.out, "Cannot inspect stack: %v\n", err)
		return
	}
	fmt.Fprintln(it.out, "Stack trace:")
	for i, f := range frames {
		fmt.Fprintf(it.out, "%d: %s:%s\n", i, f.Function, f.Location)
	}
}
