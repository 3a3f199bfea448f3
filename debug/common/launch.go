package common

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// LaunchConfig holds what every Delve-backed launcher needs
type LaunchConfig struct {
	// Dlv is the path of the dlv binary, "dlv" when empty
	Dlv string

	// Program is a Go source file, package directory, test file or binary
	Program string
	Args    []string

	// Mode is "debug", "test" or "exec"; detected from Program when empty
	Mode string

	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// DlvPath returns the dlv binary to run
func (c LaunchConfig) DlvPath() string {
	if c.Dlv == "" {
		return "dlv"
	}
	return c.Dlv
}

// DefaultMode picks the dlv mode for program: directories and .go files
// are built, _test.go files are tested, anything else is executed.
func DefaultMode(program string) (string, error) {
	state, err := os.Stat(program)
	if err != nil {
		return "", err
	}
	if state.IsDir() {
		return "debug", nil
	}
	if strings.HasSuffix(program, ".go") {
		if strings.HasSuffix(program, "_test.go") {
			return "test", nil
		}
		return "debug", nil
	}
	return "exec", nil
}

// CheckEntry rejects entries that cannot start a session in mode. A test
// binary's main function is generated, so test mode needs the test
// function itself.
func CheckEntry(mode string, entry string) error {
	if mode != "test" {
		return nil
	}
	_, fn := ParseEntry(entry)
	if strings.HasSuffix(fn, ".main") {
		return errors.Errorf("test mode needs an entry naming a test function, like <package>.TestName, got %q", entry)
	}
	return nil
}

// FreeAddr returns a loopback address with a port nobody listens on
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", errors.Wrap(err, "failed to find a free port")
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// DialRetry dials addr until it accepts or timeout elapses. dlv needs a
// moment after start before it listens.
func DialRetry(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "failed to connect to %s", addr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// LogWriter turns each write into a debug log line. It keeps dlv's own
// chatter out of the terminal.
func LogWriter(logger zerolog.Logger, source string) io.Writer {
	return &logWriter{logger: logger, source: source}
}

type logWriter struct {
	logger zerolog.Logger
	source string
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.logger.Debug().Str("source", w.source).Msg(line)
	}
	return len(p), nil
}
