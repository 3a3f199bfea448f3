package engine

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/xhd2015/ddbg/debug/common"
)

// Rendered is a local variable formatted for display
type Rendered struct {
	Name  string
	Value string
}

// VariableInspector renders the state of a suspended thread
type VariableInspector struct {
	inspector common.Inspector
	exclude   []string
	typ       common.TypeHandle
}

// NewVariableInspector creates an inspector hiding frames that match exclude
func NewVariableInspector(inspector common.Inspector, exclude []string) *VariableInspector {
	return &VariableInspector{
		inspector: inspector,
		exclude:   exclude,
	}
}

// SetType binds the inspector to the type whose frames it renders
func (v *VariableInspector) SetType(typ common.TypeHandle) {
	v.typ = typ
}

// Locals renders the variables of the innermost frame. ok is false when that
// frame does not belong to the type under debug.
func (v *VariableInspector) Locals(ctx context.Context, thread common.ThreadID) (vars []Rendered, at common.Location, ok bool, err error) {
	frames, err := v.inspector.Frames(ctx, thread)
	if err != nil {
		return nil, at, false, errors.Wrap(common.ErrInspectionUnavailable, err.Error())
	}
	if len(frames) == 0 {
		return nil, at, false, errors.Wrap(common.ErrInspectionUnavailable, "thread has no frames")
	}
	top := frames[0]
	if !common.OwnedBy(top.Function, v.typ) {
		return nil, top.Location, false, nil
	}

	locals, err := v.inspector.Locals(ctx, thread, top)
	if err != nil {
		return nil, top.Location, false, errors.Wrap(common.ErrInspectionUnavailable, err.Error())
	}
	vars = make([]Rendered, 0, len(locals))
	for _, l := range locals {
		vars = append(vars, Rendered{Name: l.Name, Value: RenderValue(l.Value)})
	}
	return vars, top.Location, true, nil
}

// Stacktrace returns the thread's frames innermost first, without excluded ones
func (v *VariableInspector) Stacktrace(ctx context.Context, thread common.ThreadID) ([]common.Frame, error) {
	frames, err := v.inspector.Frames(ctx, thread)
	if err != nil {
		return nil, errors.Wrap(common.ErrInspectionUnavailable, err.Error())
	}
	result := make([]common.Frame, 0, len(frames))
	for _, f := range frames {
		if common.Excluded(f.Function, v.exclude) {
			continue
		}
		result = append(result, f)
	}
	return result, nil
}

// RenderValue formats composites as their element sequence and everything
// else as its default text.
func RenderValue(val common.Value) string {
	if !val.Composite {
		return val.Text
	}
	parts := make([]string, 0, len(val.Elements))
	for _, e := range val.Elements {
		parts = append(parts, RenderValue(e))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
