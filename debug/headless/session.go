package headless

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xhd2015/ddbg/debug/common"
)

// listeningPrefix starts the line a headless server prints once it accepts
// connections
const listeningPrefix = "API server listening at:"

// Launcher starts programs under `dlv --headless`
type Launcher struct {
	cfg common.LaunchConfig
}

var _ common.Launcher = (*Launcher)(nil)

// NewLauncher creates a headless launcher
func NewLauncher(cfg common.LaunchConfig) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launch builds and starts the program halted under a headless server. The
// program writes to the server's own stdout and stderr, which become the
// process streams once the server's banner is consumed.
func (l *Launcher) Launch(ctx context.Context, entry string) (*common.Launch, error) {
	logger := l.cfg.Logger.With().Str("debugger", "headless").Logger()

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

	args := []string{mode, "--headless", "--api-version=2", "--listen=127.0.0.1:0", l.cfg.Program}
	if len(l.cfg.Args) > 0 {
		args = append(args, "--")
		args = append(args, l.cfg.Args...)
	}
	logger.Info().Str("program", l.cfg.Program).Str("mode", mode).Str("entry", entry).Msg("starting Delve headless server")

	cmd := exec.Command(l.cfg.DlvPath(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start Delve headless server")
	}
	proc := &process{cmd: cmd, stdout: bufio.NewReader(stdout), stderr: stderr}

	addr, err := awaitListening(ctx, proc.stdout, l.cfg.ConnectTimeout, logger)
	if err != nil {
		proc.abort()
		return nil, err
	}

	conn, err := common.DialRetry(ctx, addr, l.cfg.ConnectTimeout)
	if err != nil {
		proc.abort()
		return nil, err
	}

	target := NewTarget(NewClient(conn, logger), logger)
	return &common.Launch{Events: target, Target: target, Process: proc}, nil
}

// awaitListening reads the server's stdout up to its banner and returns
// the address it names. Building the program can take a while.
func awaitListening(ctx context.Context, r *bufio.Reader, timeout time.Duration, logger zerolog.Logger) (string, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		addr string
		err  error
	}
	found := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, listeningPrefix) {
				found <- result{addr: strings.TrimSpace(strings.TrimPrefix(line, listeningPrefix))}
				return
			}
			if line != "" {
				logger.Debug().Str("source", "dlv").Msg(line)
			}
			if err != nil {
				found <- result{err: errors.Wrap(err, "Delve exited before listening")}
				return
			}
		}
	}()

	select {
	case res := <-found:
		return res.addr, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "Delve did not start listening")
	}
}

// process is the headless server, whose streams carry the program's output
type process struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr io.Reader
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Wait() error {
	return p.cmd.Wait()
}

func (p *process) Kill() error {
	return p.cmd.Process.Kill()
}

// abort kills a server that never became usable and reaps it
func (p *process) abort() {
	p.Kill()
	go io.Copy(io.Discard, p.stderr)
	p.cmd.Wait()
}
