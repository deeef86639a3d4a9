// Package device adapts the node to its physical I/O: a line-oriented
// sensor feed (serial console, stdin, a test pipe) and actuator sinks.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// lineBuffer bounds how many samples may wait between polls. Edges beyond
// it are dropped and logged; a poll every loop interval keeps far below it.
const lineBuffer = 256

// LineSource reads sensor edges, one per line:
//
//	scan <code>
//	open
//	close
//	button
//
// Lines are read on a background goroutine; Poll hands over whatever
// arrived since the previous call and never blocks.
type LineSource struct {
	samples chan types.SensorSample
	done    chan struct{}
	err     error
	logger  *slog.Logger
}

// NewLineSource starts reading r. The reader goroutine exits at EOF or on
// the first read error.
func NewLineSource(r io.Reader, clk clock.Clock, logger *slog.Logger) *LineSource {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &LineSource{
		samples: make(chan types.SensorSample, lineBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go s.read(r, clk)
	return s
}

func (s *LineSource) read(r io.Reader, clk clock.Clock) {
	defer close(s.done)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sample, err := ParseLine(line)
		if err != nil {
			s.logger.Warn("ignoring sensor line", "line", line, "error", err)
			continue
		}
		sample.At = clk.Now()

		select {
		case s.samples <- sample:
		default:
			s.logger.Warn("sensor buffer full, dropping sample", "kind", sample.Kind)
		}
	}
	s.err = sc.Err()
}

// Poll yields the samples buffered since the previous call.
func (s *LineSource) Poll(ctx context.Context) iter.Seq[types.SensorSample] {
	return func(yield func(types.SensorSample) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case sample := <-s.samples:
				if !yield(sample) {
					return
				}
			default:
				return
			}
		}
	}
}

// Done is closed once the reader has stopped.
func (s *LineSource) Done() <-chan struct{} { return s.done }

// Err is the read error that stopped the reader, if any. Valid after Done.
func (s *LineSource) Err() error {
	<-s.done
	return s.err
}

// ParseLine parses one sensor line.
func ParseLine(line string) (types.SensorSample, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(verb) {
	case "scan":
		if arg == "" {
			return types.SensorSample{}, errors.New("device: scan without a code")
		}
		return types.SensorSample{Kind: types.SensorScan, Code: arg}, nil
	case "open":
		return types.SensorSample{Kind: types.SensorDoorOpen}, nil
	case "close":
		return types.SensorSample{Kind: types.SensorDoorClose}, nil
	case "button", "sync":
		return types.SensorSample{Kind: types.SensorSyncButton}, nil
	default:
		return types.SensorSample{}, fmt.Errorf("device: unknown sensor verb %q", verb)
	}
}
