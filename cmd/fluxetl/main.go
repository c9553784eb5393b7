package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/petrijr/fluxetl"
	"github.com/petrijr/fluxetl/internal/config"
	"github.com/petrijr/fluxetl/pkg/api"
	"github.com/petrijr/fluxetl/pkg/worker"
)

const usage = `usage: fluxetl [-config file] <command> [flags] [args]

commands:
  run [-pipeline file] [-concurrency n] <source>...   run the pipeline
  status [-pipeline file] <source>                    print run progress
  pause [-pipeline file] <source>                     pause a run
  resume [-pipeline file] <source>                    resume a paused run
  restart [-pipeline file] <source>                   discard progress of a run
  sweep [-watch]                                      delete expired snapshots
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code: 0 on success,
// 1 for a failed run, 2 for usage and configuration errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("fluxetl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", os.Getenv("FLUXETL_CONFIG"), "path to a YAML config file")
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 2
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	bundle, err := fluxetl.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 2
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Error("close_failed", slog.Any("error", err))
		}
	}()

	cmd, rest := global.Arg(0), global.Args()[1:]
	c := &cli{bundle: bundle, cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	switch cmd {
	case "run":
		return c.run(ctx, rest)
	case "status", "pause", "resume", "restart":
		return c.control(ctx, cmd, rest)
	case "sweep":
		return c.sweep(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fmt.Fprint(stderr, usage)
		return 2
	}
}

type cli struct {
	bundle *fluxetl.Bundle
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// pipeline returns the steps and options to use: the pipeline file when
// given, the configured steps otherwise.
func (c *cli) pipeline(path string) ([]string, map[string]any, error) {
	if path == "" {
		return c.cfg.Steps, map[string]any{}, nil
	}
	p, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}
	return p.Steps, p.Options, nil
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		c.logger.Error("encode_output_failed", slog.Any("error", err))
	}
}

type runOutput struct {
	Source string      `json:"source"`
	Result *api.Result `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (c *cli) run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	pipelinePath := fs.String("pipeline", "", "pipeline YAML file")
	concurrency := fs.Int("concurrency", 1, "number of sources processed in parallel")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(c.stderr, "run: at least one source is required")
		return 2
	}
	steps, options, err := c.pipeline(*pipelinePath)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}
	factory := func() (worker.Processor, error) {
		eng, err := c.bundle.NewEngine(steps, nil)
		if err != nil {
			return nil, err
		}
		return eng, nil
	}
	// Fail fast on an invalid pipeline before any job starts.
	if _, err := factory(); err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}

	var (
		mu      sync.Mutex
		outputs []runOutput
		failed  bool
		wg      sync.WaitGroup
	)
	wg.Add(fs.NArg())
	runner := fluxetl.NewRunner(factory, func(o worker.Outcome) {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		out := runOutput{Source: o.Job.Source, Result: o.Result}
		if o.Err != nil {
			out.Error = o.Err.Error()
			failed = true
		}
		outputs = append(outputs, out)
	})
	runner.SetLogger(c.logger)
	if err := runner.StartWorkers(ctx, *concurrency); err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}
	for _, src := range fs.Args() {
		if _, err := runner.Submit(ctx, src, options); err != nil {
			runner.Stop()
			fmt.Fprintln(c.stderr, "Error:", err)
			return 1
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		runner.Stop()
		fmt.Fprintln(c.stderr, "interrupted; progress has been checkpointed")
		return 1
	}
	runner.Stop()

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Source < outputs[j].Source })
	c.printJSON(outputs)
	if failed {
		return 1
	}
	return 0
}

func (c *cli) control(ctx context.Context, cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	pipelinePath := fs.String("pipeline", "", "pipeline YAML file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(c.stderr, "%s: exactly one source is required\n", cmd)
		return 2
	}
	steps, options, err := c.pipeline(*pipelinePath)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}
	eng, err := c.bundle.NewEngine(steps, nil)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}
	if _, err := eng.Select(fs.Arg(0), options); err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}

	switch cmd {
	case "pause":
		err = eng.Pause(ctx)
	case "resume":
		err = eng.Resume(ctx)
	case "restart":
		err = eng.Restart(ctx)
	}
	if errors.Is(err, fluxetl.ErrSnapshotNotFound) {
		fmt.Fprintf(c.stderr, "%s: no run recorded for %s\n", cmd, fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	c.printJSON(eng.GetProgress(ctx))
	return 0
}

func (c *cli) sweep(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	watch := fs.Bool("watch", false, "keep sweeping every sweep_interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	eng, err := c.bundle.NewEngine(nil, nil)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 2
	}
	sched := eng.Scheduler()

	if *watch {
		if err := sched.Run(ctx, c.cfg.SweepInterval); err != nil {
			fmt.Fprintln(c.stderr, "Error:", err)
			return 2
		}
		return 0
	}

	n, err := sched.Sweep(ctx)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	c.printJSON(map[string]int{"deleted": n})
	return 0
}
