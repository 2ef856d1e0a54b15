package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/internal/application/orchestrator"
	"github.com/aescanero/handoff/pkg/adapters/agent"
	"github.com/aescanero/handoff/pkg/adapters/storage/memory"
	"github.com/aescanero/handoff/pkg/adapters/telemetry"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/graphsource"
	"go.uber.org/zap"
)

// errUsage signals that flag parsing already printed its message.
var errUsage = errors.New("usage")

func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// output is what the command prints as JSON.
type output struct {
	Validation domain.ValidationResult `json:"validation"`
	Plan       *domain.SchedulePlan    `json:"plan,omitempty"`
	Run        *domain.RunState        `json:"run,omitempty"`
}

// run validates and plans the graph at the path argument and optionally
// dry-runs it with the no-op executor.
func run(ctx context.Context, outW io.Writer, args []string) error {
	fs := flag.NewFlagSet("handoff-plan", flag.ContinueOnError)
	fs.SetOutput(outW)
	execute := fs.Bool("run", false, "dry-run the plan with the no-op agent executor")
	taskID := fs.String("task", "", "task id used for the dry run")
	maxParallel := fs.Int("max-parallel", domain.DefaultDispatchLimits().MaxParallelAgents, "global concurrency cap for the dry run")
	delay := fs.Duration("delay", 0, "simulated duration of every agent attempt")
	verbose := fs.Bool("v", false, "log dispatch activity to stderr")
	fs.Usage = func() {
		fmt.Fprintln(outW, "Usage: handoff-plan [flags] <graph file or directory>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		defer func() { _ = logger.Sync() }()
	}

	nodes, err := graphsource.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Limits.MaxParallelAgents = *maxParallel
	cfg.Policy.Backoff = 10 * time.Millisecond
	mgr := orchestrator.NewManager(
		agent.NewNoopExecutor(*delay, logger),
		memory.NewRunStore(),
		telemetry.NewRecorder(),
		nil,
		logger,
		cfg,
	)

	res := mgr.Validate(nodes)
	out := output{Validation: res.Validation}
	if err := graph.Err(res.Validation); err != nil {
		_ = writeJSON(outW, out)
		return err
	}

	if out.Plan, err = mgr.Plan(nodes); err != nil {
		return err
	}

	if *execute {
		state, err := mgr.Run(ctx, orchestrator.RunRequest{TaskID: *taskID, Nodes: nodes})
		out.Run = state
		if err != nil {
			_ = writeJSON(outW, out)
			return err
		}
	}

	return writeJSON(outW, out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
