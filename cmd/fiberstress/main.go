//go:build linux || darwin

// Command fiberstress runs a pipe wake-up storm against a fiber group: each
// of N fibers waits on the read end of its own pipe, the write ends are
// written from a bounded pool of goroutines, and every fiber must wake and
// read its byte within the time limit. All fds are then closed through the
// group, and the poller registration count must return to zero.
//
// Run with: go run ./cmd/fiberstress -fibers 10000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-fiber"
	"github.com/joeycumines/go-utilpkg/jsonenc"
	"github.com/joeycumines/logiface"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type report struct {
	Stats    fiber.Stats
	Elapsed  time.Duration
	Fibers   int
	Woken    int64
	Failed   int64
	Leftover int64
}

func main() {
	var (
		fibers     = flag.Int("fibers", 10000, "number of fibers, one pipe each")
		writers    = flag.Int("writers", 64, "goroutines writing to the pipes")
		limit      = flag.Duration("timeout", 30*time.Second, "time allowed for every fiber to wake")
		configPath = flag.String("config", "", "TOML group config, applied over FIBER_* environment variables")
		reportPath = flag.String("report", "", "write a JSON report to this path")
	)
	flag.Parse()

	if err := run(*fibers, *writers, *limit, *configPath, *reportPath); err != nil {
		fmt.Fprintln(os.Stderr, "fiberstress:", err)
		os.Exit(1)
	}
}

func run(fibers, writers int, limit time.Duration, configPath, reportPath string) error {
	cfg, err := fiber.ConfigFromEnv()
	if err != nil {
		return err
	}
	if configPath != "" {
		fileCfg, err := fiber.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = cfg.Merge(fileCfg)
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := fiber.NewLogger(os.Stderr, level)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info().Logf(format, args...)
	})); err != nil {
		logger.Warning().Err(err).Log("failed to set GOMAXPROCS")
	}
	if memLimit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err == nil {
		logger.Info().Int64("limit", memLimit).Log("set GOMEMLIMIT")
	} else if !errors.Is(err, memlimit.ErrNoLimit) {
		logger.Debug().Err(err).Log("GOMEMLIMIT not set")
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	g, err := fiber.New(append(opts, fiber.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer g.Close()

	rep, err := storm(g, logger, fibers, writers, limit)
	if err != nil {
		return err
	}
	logger.Notice().
		Int("fibers", rep.Fibers).
		Int64("woken", rep.Woken).
		Int64("failed", rep.Failed).
		Int64("registered_fds", rep.Leftover).
		Dur("elapsed", rep.Elapsed).
		Log("storm complete")

	if reportPath != "" {
		if err := renameio.WriteFile(reportPath, rep.appendJSON(nil), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	switch {
	case rep.Failed != 0:
		return fmt.Errorf("%d of %d fibers failed", rep.Failed, rep.Fibers)
	case rep.Leftover != 0:
		return fmt.Errorf("%d fds still registered", rep.Leftover)
	}
	return nil
}

func storm(g *fiber.Group, logger *logiface.Logger[logiface.Event], fibers, writers int, limit time.Duration) (*report, error) {
	pipes := make([][2]int, fibers)
	for i := range pipes {
		if err := unix.Pipe(pipes[i][:]); err != nil {
			for _, p := range pipes[:i] {
				_ = unix.Close(p[0])
				_ = unix.Close(p[1])
			}
			return nil, fmt.Errorf("pipe %d: %w", i, err)
		}
		_ = unix.SetNonblock(pipes[i][0], true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	deadline, _ := ctx.Deadline()

	var woken, failed atomic.Int64
	done, err := fiber.NewCountdown(fibers, fiber.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	for i := range pipes {
		fd := pipes[i][0]
		_, err := g.StartBackground(ctx, func(ctx context.Context, _ any) {
			defer done.Signal(1)
			var buf [1]byte
			for {
				n, err := unix.Read(fd, buf[:])
				if n == 1 {
					woken.Add(1)
					return
				}
				if err != nil && !errors.Is(err, unix.EAGAIN) {
					failed.Add(1)
					logger.Err().Err(err).Int("fd", fd).Log("read failed")
					return
				}
				if err := g.FdTimedWait(ctx, fd, fiber.EventRead, deadline); err != nil {
					failed.Add(1)
					logger.Err().Err(err).Int("fd", fd).Log("fd wait failed")
					return
				}
			}
		}, nil, fiber.WithNoSignal())
		if err != nil {
			return nil, err
		}
	}
	g.Flush()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(writers)
	for i := range pipes {
		fd := pipes[i][1]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			_, err := unix.Write(fd, []byte{1})
			return err
		})
	}
	writeErr := eg.Wait()

	waitErr := done.Wait(ctx)
	elapsed := time.Since(start)

	for _, p := range pipes {
		if err := g.FdClose(p[0]); err != nil {
			logger.Warning().Err(err).Int("fd", p[0]).Log("close failed")
		}
		_ = unix.Close(p[1])
	}
	if err := errors.Join(writeErr, waitErr); err != nil {
		return nil, err
	}
	return &report{
		Stats:    g.Stats(),
		Elapsed:  elapsed,
		Fibers:   fibers,
		Woken:    woken.Load(),
		Failed:   failed.Load(),
		Leftover: g.RegisteredFDs(),
	}, nil
}

func (r *report) appendJSON(dst []byte) []byte {
	field := func(name string) {
		if dst[len(dst)-1] != '{' {
			dst = append(dst, ',')
		}
		dst = jsonenc.AppendString(dst, name)
		dst = append(dst, ':')
	}
	integer := func(name string, v int64) {
		field(name)
		dst = strconv.AppendInt(dst, v, 10)
	}
	unsigned := func(name string, v uint64) {
		field(name)
		dst = strconv.AppendUint(dst, v, 10)
	}
	dst = append(dst, '{')
	integer("fibers", int64(r.Fibers))
	integer("woken", r.Woken)
	integer("failed", r.Failed)
	integer("registered_fds", r.Leftover)
	field("elapsed_seconds")
	dst = jsonenc.AppendFloat64(dst, r.Elapsed.Seconds())
	field("elapsed")
	dst = jsonenc.AppendString(dst, r.Elapsed.String())
	integer("workers", int64(r.Stats.Workers))
	unsigned("created", r.Stats.Created)
	unsigned("finished", r.Stats.Finished)
	unsigned("context_switches", r.Stats.ContextSwitches)
	unsigned("steals", r.Stats.Steals)
	unsigned("parks", r.Stats.Parks)
	unsigned("stack_fallbacks", r.Stats.StackFallbacks)
	unsigned("run_queue_full", r.Stats.RunQueueFull)
	unsigned("state_violations", r.Stats.StateViolations)
	unsigned("timers_fired", r.Stats.Timer.Fired)
	dst = append(dst, '}', '\n')
	return dst
}
