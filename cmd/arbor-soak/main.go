// The arbor-soak command spins guest threads in a loop and floods them with
// thread local actions, reporting delivery counts, loop counts and timings.
//
// Usage:
//
//	arbor-soak [-threads n] [-actions n] [-flags sync,side-effects,recurring] [-env file] [-listen addr]
//
// With -listen, Prometheus metrics are served at /metrics and a JSON thread
// dump at /debug/threads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/canonical/arbor/arbor"
	"github.com/canonical/arbor/lib/metrics"
	"github.com/canonical/arbor/lib/nodes"
)

var (
	threadsFlag = flag.Int("threads", 4, "number of guest threads")
	actionsFlag = flag.Int("actions", 100, "number of thread local actions to submit")
	flagsFlag   = flag.String("flags", "", "comma-separated action flags: sync, side-effects, recurring")
	envFlag     = flag.String("env", "", "environment file holding ARBOR_* settings")
	listenFlag  = flag.String("listen", "", "address serving /metrics and /debug/threads")
	timeoutFlag = flag.Duration("timeout", 30*time.Second, "bound on the whole run")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arbor-soak: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var files []string
	if *envFlag != "" {
		files = append(files, *envFlag)
	}
	cfg, err := arbor.ConfigFromEnv(files...)
	if err != nil {
		return err
	}
	flags, err := arbor.ParseActionFlags(strings.Split(*flagsFlag, ","))
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	cfg.Logger = &logger
	reg := prometheus.NewRegistry()
	observer := metrics.New(reg)
	cfg.Observer = observer

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()

	c := arbor.NewContext(cfg)
	root := spinner()
	observer.WatchRoot(root)

	if *listenFlag != "" {
		server := newServer(*listenFlag, c, reg, logger)
		go serve(server, logger)
		defer server.Shutdown(context.Background())
	}

	s := &soak{context: c, target: root.CallTarget(), logger: logger}
	if err := s.start(*threadsFlag); err != nil {
		return err
	}
	start := time.Now()
	futures, err := s.submit(ctx, flags, *actionsFlag)
	if err != nil {
		logger.Error().Err(err).Msg("submission failed")
	}
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			logger.Warn().Err(err).Stringer("action", f).Msg("action did not complete")
		}
		f.Cancel()
	}
	elapsed := time.Since(start)

	if err := c.Cancel(ctx); err != nil {
		return err
	}
	s.wg.Wait()

	logger.Info().
		Int("threads", *threadsFlag).
		Int("submitted", len(futures)).
		Int64("performed", s.performed.Load()).
		Int64("loop_iterations", s.target.LoopCount()).
		Dur("elapsed", elapsed).
		Str("flags", flags.String()).
		Msg("soak finished")
	return nil
}

// newLogger writes human-readable output to terminals and JSON otherwise.
func newLogger(cfg *arbor.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Logger != nil {
		level = cfg.Logger.GetLevel()
	}
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// spinner returns a root counting up in a local slot forever. Its loop polls
// the safepoint on every back-edge.
func spinner() *arbor.RootNode {
	b := arbor.NewFrameDescriptorBuilder().DefaultValue(int64(0))
	counter := b.AddSlot(arbor.ObjectKind, "counter", nil)
	descriptor := b.MustBuild()

	body := nodes.NewWhile(
		nodes.NewConstant(true),
		nodes.NewWriteLocal(descriptor, counter, nodes.NewAddInt(nodes.NewReadLocal(counter), nodes.NewConstant(1))),
	)
	return arbor.NewRootNode(body, arbor.RootOptions{Name: "spin", Descriptor: descriptor})
}

type soak struct {
	context   *arbor.Context
	target    *arbor.CallTarget
	logger    zerolog.Logger
	threads   []*arbor.Thread
	wg        sync.WaitGroup
	performed atomic.Int64
}

// start enters n threads and runs the spinner on each until the context is
// cancelled.
func (s *soak) start(n int) error {
	entered := make(chan error, n)
	for i := 0; i < n; i++ {
		thread := arbor.NewThread(fmt.Sprintf("soak-%d", i))
		s.threads = append(s.threads, thread)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.context.Enter(thread); err != nil {
				entered <- err
				return
			}
			entered <- nil
			_, err := s.target.Call(thread)
			if !errors.Is(err, arbor.ErrContextCancelled) {
				s.logger.Error().Err(err).Stringer("thread", thread).Msg("spinner stopped")
			}
			if err := s.context.Leave(thread); err != nil {
				s.logger.Error().Err(err).Stringer("thread", thread).Msg("cannot leave context")
			}
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-entered; err != nil {
			return err
		}
	}
	return nil
}

func (s *soak) submit(ctx context.Context, flags arbor.ActionFlags, n int) ([]*arbor.Future, error) {
	futures := make([]*arbor.Future, 0, n)
	for i := 0; i < n; i++ {
		action := arbor.NewThreadLocalAction("soak", flags, func(access *arbor.Access) error {
			s.performed.Add(1)
			return nil
		})
		f, err := s.context.SubmitThreadLocal(ctx, nil, action)
		if f != nil {
			futures = append(futures, f)
		}
		if err != nil {
			return futures, err
		}
	}
	return futures, nil
}
