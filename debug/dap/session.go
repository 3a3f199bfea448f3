package dap

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

// Launcher starts programs under `dlv dap`
type Launcher struct {
	cfg common.LaunchConfig
}

var _ common.Launcher = (*Launcher)(nil)

// NewLauncher creates a DAP launcher
func NewLauncher(cfg common.LaunchConfig) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launch starts a DAP server, connects to it and launches the program.
// The program stays unstarted until the target is first resumed.
func (l *Launcher) Launch(ctx context.Context, entry string) (*common.Launch, error) {
	logger := l.cfg.Logger.With().Str("debugger", "dap").Logger()

	mode := l.cfg.Mode
	if mode == "" {
		var err error
		mode, err = common.DefaultMode(l.cfg.Program)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot debug %s", l.cfg.Program)
		}
	}
	if err := common.CheckEntry(mode, entry); err != nil {
		return nil, err
	}

	addr, err := common.FreeAddr()
	if err != nil {
		return nil, err
	}

	logger.Info().Str("program", l.cfg.Program).Str("mode", mode).Str("entry", entry).Str("addr", addr).Msg("starting Delve DAP server")
	cmd := exec.Command(l.cfg.DlvPath(), "dap", "--listen="+addr)
	cmd.Stdout = common.LogWriter(logger, "dlv")
	cmd.Stderr = common.LogWriter(logger, "dlv")
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start Delve DAP server")
	}
	proc := newProcess(cmd, logger)

	conn, err := common.DialRetry(ctx, addr, l.cfg.ConnectTimeout)
	if err != nil {
		proc.Kill()
		proc.Wait()
		return nil, err
	}

	client := NewClient(conn, logger, proc.write)
	go proc.closeWhenDone(client.Done())

	target := NewTarget(client, logger)
	if err := target.Initialize(ctx, l.cfg.Program, l.cfg.Args, mode); err != nil {
		target.Close()
		proc.Kill()
		proc.Wait()
		return nil, errors.Wrap(err, "failed to launch program")
	}

	return &common.Launch{Events: target, Target: target, Process: proc}, nil
}

// process is the DAP server process. The program's own output arrives as
// output events and is fed into the stdout and stderr pipes.
type process struct {
	cmd    *exec.Cmd
	logger zerolog.Logger

	stdout *io.PipeReader
	stderr *io.PipeReader
	outW   *io.PipeWriter
	errW   *io.PipeWriter

	exited  chan struct{}
	waitErr error
}

func newProcess(cmd *exec.Cmd, logger zerolog.Logger) *process {
	p := &process{
		cmd:    cmd,
		logger: logger,
		exited: make(chan struct{}),
	}
	p.stdout, p.outW = io.Pipe()
	p.stderr, p.errW = io.Pipe()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p
}

func (p *process) write(category, output string) {
	switch category {
	case "stdout":
		io.WriteString(p.outW, output)
	case "stderr":
		io.WriteString(p.errW, output)
	default:
		p.logger.Debug().Str("category", category).Msg(strings.TrimRight(output, "\n"))
	}
}

func (p *process) closeWhenDone(done <-chan struct{}) {
	<-done
	p.outW.Close()
	p.errW.Close()
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// Wait waits for the DAP server to exit after the client disconnected,
// killing it if it lingers.
func (p *process) Wait() error {
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		p.logger.Warn().Msg("Delve DAP server did not exit, killing it")
		p.Kill()
		<-p.exited
	}
	return p.waitErr
}

func (p *process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}
