package engine

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

// targetControl is what the registry needs from the target
type targetControl interface {
	common.Resolver
	common.RequestControl
}

// Breakpoint is a line breakpoint the operator has set
type Breakpoint struct {
	Line     int
	Location common.Location
	Request  common.Request
	Enabled  bool
}

// Registry holds the breakpoints of a session in registration order.
// It is only touched from the dispatch goroutine.
type Registry struct {
	target targetControl
	typ    common.TypeHandle
	logger zerolog.Logger

	breakpoints []*Breakpoint
}

// NewRegistry creates an empty registry bound to target
func NewRegistry(target targetControl, logger zerolog.Logger) *Registry {
	return &Registry{
		target: target,
		logger: logger,
	}
}

// SetType binds the registry to the loaded type lines resolve against
func (r *Registry) SetType(typ common.TypeHandle) {
	r.typ = typ
}

// Set resolves line and arms a breakpoint on its first location
func (r *Registry) Set(ctx context.Context, line int) error {
	if r.Lookup(line) != nil {
		return nil
	}

	locs, err := r.target.LocationsOfLine(ctx, r.typ, line)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve line %d", line)
	}
	if len(locs) == 0 {
		return common.ErrNoCodeAtLine
	}

	// lowest address wins, declaration order breaks ties
	sorted := make([]common.Location, len(locs))
	copy(sorted, locs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PC < sorted[j].PC
	})
	loc := sorted[0]

	req, err := r.target.CreateBreakpoint(ctx, loc)
	if err != nil {
		return errors.Wrapf(err, "failed to arm breakpoint at line %d", line)
	}

	r.breakpoints = append(r.breakpoints, &Breakpoint{
		Line:     line,
		Location: loc,
		Request:  req,
		Enabled:  true,
	})
	r.logger.Debug().Int("line", line).Str("location", loc.String()).Int("request", req.ID).Msg("breakpoint set")
	return nil
}

// Delete disarms and removes the breakpoint on line
func (r *Registry) Delete(ctx context.Context, line int) error {
	idx := r.index(line)
	if idx < 0 {
		return common.ErrNotFound
	}
	bp := r.breakpoints[idx]
	if bp.Enabled {
		if err := r.target.Disable(ctx, bp.Request); err != nil {
			return errors.Wrapf(err, "failed to disarm breakpoint at line %d", line)
		}
	}
	r.breakpoints = append(r.breakpoints[:idx], r.breakpoints[idx+1:]...)
	r.logger.Debug().Int("line", line).Msg("breakpoint deleted")
	return nil
}

// Disable removes the target-side request but keeps the entry
func (r *Registry) Disable(ctx context.Context, line int) error {
	bp := r.Lookup(line)
	if bp == nil {
		return common.ErrNotFound
	}
	if !bp.Enabled {
		return nil
	}
	if err := r.target.Disable(ctx, bp.Request); err != nil {
		return errors.Wrapf(err, "failed to disarm breakpoint at line %d", line)
	}
	bp.Enabled = false
	return nil
}

// Enable re-arms a disabled breakpoint at its resolved location
func (r *Registry) Enable(ctx context.Context, line int) error {
	bp := r.Lookup(line)
	if bp == nil {
		return common.ErrNotFound
	}
	if bp.Enabled {
		return nil
	}
	req, err := r.target.CreateBreakpoint(ctx, bp.Location)
	if err != nil {
		return errors.Wrapf(err, "failed to arm breakpoint at line %d", line)
	}
	bp.Request = req
	bp.Enabled = true
	return nil
}

// Lookup returns the breakpoint on line, or nil
func (r *Registry) Lookup(line int) *Breakpoint {
	if idx := r.index(line); idx >= 0 {
		return r.breakpoints[idx]
	}
	return nil
}

// Owns reports whether req is the live request of a registered breakpoint
func (r *Registry) Owns(req common.Request) bool {
	for _, bp := range r.breakpoints {
		if bp.Enabled && bp.Request.ID == req.ID {
			return true
		}
	}
	return false
}

// List returns copies of the breakpoints in registration order
func (r *Registry) List() []Breakpoint {
	result := make([]Breakpoint, 0, len(r.breakpoints))
	for _, bp := range r.breakpoints {
		result = append(result, *bp)
	}
	return result
}

func (r *Registry) index(line int) int {
	for i, bp := range r.breakpoints {
		if bp.Line == line {
			return i
		}
	}
	return -1
}
