package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/xhd2015/ddbg/debug/common"
)

// Run launches the target and dispatches its events until it disconnects.
// It returns nil when the target went away normally, and an error matching
// common.ErrDispatchFailed when the session had to be aborted.
func (s *Session) Run(ctx context.Context) error {
	if s.state != Idle {
		return errors.Errorf("session already %s", s.state)
	}

	s.setState(Launching)
	launch, err := s.launcher.Launch(ctx, s.opts.Entry)
	if err != nil {
		s.setState(Terminated)
		return common.DispatchFailed(errors.Wrap(err, "failed to launch target"))
	}
	s.attach(launch)

	if err := s.target.WatchType(ctx, s.opts.Entry); err != nil {
		return s.fail(errors.Wrapf(err, "failed to watch %s", s.opts.Entry))
	}
	s.setState(Running)

	for {
		batch, err := s.events.Next(ctx)
		if err != nil {
			if isDisconnect(err) {
				return s.disconnected()
			}
			return s.fail(errors.Wrap(err, "failed to receive events"))
		}

		if err := s.dispatch(ctx, batch); err != nil {
			return s.fail(err)
		}

		if err := s.target.Resume(ctx); err != nil {
			if isDisconnect(err) {
				return s.disconnected()
			}
			return s.fail(errors.Wrap(err, "failed to resume target"))
		}
		s.setState(Running)
	}
}

func (s *Session) dispatch(ctx context.Context, batch []common.Event) error {
	for _, ev := range batch {
		switch ev := ev.(type) {
		case common.ClassReady:
			if err := s.onClassReady(ctx, ev); err != nil {
				return err
			}
		case common.BreakpointHit:
			fmt.Fprintf(s.out, "Breakpoint hit at %s\n", ev.Location)
			if err := s.suspend(ctx, ev.Request, ev.Thread); err != nil {
				return err
			}
		case common.StepComplete:
			fmt.Fprintf(s.out, "Step completed at %s\n", ev.Location)
			if err := s.suspend(ctx, ev.Request, ev.Thread); err != nil {
				return err
			}
		case common.Other:
			s.logger.Debug().Str("kind", ev.Kind).Msg("ignoring event")
		default:
			return errors.Errorf("unknown event type %T", ev)
		}
	}
	return nil
}

// onClassReady arms the entry breakpoint so the session stops before any
// code of the type runs.
func (s *Session) onClassReady(ctx context.Context, ev common.ClassReady) error {
	s.typ = ev.Type
	s.Breakpoints.SetType(ev.Type)
	s.Inspector.SetType(ev.Type)
	s.logger.Info().Str("type", ev.Type.Name).Str("source", ev.Type.Source).Msg("type loaded")

	line, err := s.target.EntryLine(ctx, ev.Type)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve entry of %s", ev.Type.Name)
	}
	if err := s.Breakpoints.Set(ctx, line); err != nil {
		return errors.Wrapf(err, "failed to arm entry breakpoint at line %d", line)
	}

	for _, l := range s.opts.Breakpoints {
		err := s.Breakpoints.Set(ctx, l)
		switch {
		case err == nil:
		case errors.Is(err, common.ErrNoCodeAtLine):
			fmt.Fprintf(s.out, "Invalid breakpoint: line %d\n", l)
		default:
			return err
		}
	}
	return nil
}

func (s *Session) suspend(ctx context.Context, req common.Request, thread common.ThreadID) error {
	if req.Kind == common.RequestStep {
		if err := s.Stepping.Consume(ctx, req); err != nil {
			return err
		}
	}
	s.setState(Suspended)
	return s.interp.Loop(ctx, thread)
}

func (s *Session) disconnected() error {
	s.setState(Terminated)
	fmt.Fprintln(s.out, "Target disconnected.")
	s.shutdown(false)
	return nil
}

func (s *Session) fail(err error) error {
	s.setState(Terminated)
	s.logger.Error().Err(err).Msg("session aborted")
	s.shutdown(true)
	return common.DispatchFailed(err)
}

func isDisconnect(err error) bool {
	return errors.Is(err, common.ErrTargetDisconnected) || errors.Is(err, io.EOF)
}
