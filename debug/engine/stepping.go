package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

// Stepper keeps at most one outstanding step request per thread
type Stepper struct {
	control common.RequestControl
	exclude []string
	logger  zerolog.Logger

	pending map[common.ThreadID]common.Request
}

// NewStepper creates a stepper whose requests skip functions matching exclude
func NewStepper(control common.RequestControl, exclude []string, logger zerolog.Logger) *Stepper {
	return &Stepper{
		control: control,
		exclude: exclude,
		logger:  logger,
		pending: make(map[common.ThreadID]common.Request),
	}
}

// Arm creates a step request for thread, superseding any unconsumed one
func (s *Stepper) Arm(ctx context.Context, kind common.StepKind, thread common.ThreadID) error {
	if prev, ok := s.pending[thread]; ok {
		if err := s.control.Disable(ctx, prev); err != nil {
			return errors.Wrap(err, "failed to withdraw previous step")
		}
		delete(s.pending, thread)
	}

	req, err := s.control.CreateStep(ctx, thread, kind, s.exclude)
	if err != nil {
		return errors.Wrapf(err, "failed to arm step %s", kind)
	}
	s.pending[thread] = req
	s.logger.Debug().Int64("thread", int64(thread)).Stringer("kind", kind).Int("request", req.ID).Msg("step armed")
	return nil
}

// Consume disables a step request that has fired
func (s *Stepper) Consume(ctx context.Context, req common.Request) error {
	cur, ok := s.pending[req.Thread]
	if !ok || cur.ID != req.ID {
		return nil
	}
	delete(s.pending, req.Thread)
	if err := s.control.Disable(ctx, req); err != nil {
		return errors.Wrap(err, "failed to disable fired step")
	}
	return nil
}

// Pending returns the outstanding step request of thread
func (s *Stepper) Pending(thread common.ThreadID) (common.Request, bool) {
	req, ok := s.pending[thread]
	return req, ok
}

// Exclude returns the exclusion prefixes applied to steps and stack traces
func (s *Stepper) Exclude() []string {
	return s.exclude
}
