package engine

import (
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Relay copies the target's output streams to the terminal for as long as
// the target lives.
type Relay struct {
	eg errgroup.Group
}

// StartRelay starts one copier per stream. A copy error only ends its copier.
func StartRelay(stdout, stderr io.Reader, toOut, toErr io.Writer, logger zerolog.Logger) *Relay {
	r := &Relay{}
	pairs := []struct {
		name string
		src  io.Reader
		dst  io.Writer
	}{
		{"stdout", stdout, toOut},
		{"stderr", stderr, toErr},
	}
	for _, p := range pairs {
		p := p
		if p.src == nil || p.dst == nil {
			continue
		}
		r.eg.Go(func() error {
			n, err := io.Copy(p.dst, p.src)
			if err != nil {
				logger.Debug().Err(err).Str("stream", p.name).Int64("bytes", n).Msg("output relay stopped")
			}
			return nil
		})
	}
	return r
}

// Wait blocks until both streams reach end-of-stream
func (r *Relay) Wait() {
	_ = r.eg.Wait()
}
