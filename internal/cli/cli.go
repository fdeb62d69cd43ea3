// Package cli builds the remotetask-demo command line: a cobra root
// command with a "run" subcommand that exercises the full coordinator
// stack against an in-process fake worker.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/config"
	"github.com/ChuLiYu/remotetask/internal/faketask"
	"github.com/ChuLiYu/remotetask/internal/registry"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

var configFile string

// BuildCLI assembles the remotetask-demo root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "remotetask-demo",
		Short: "Drive a coordinator-side remote task controller against a fake worker",
		Long: `remotetask-demo exercises TaskHandle, StatusFetcher, InfoFetcher and
UpdateSender against an in-process fake worker, standing in for the
real distributed worker a production planner would talk to.`,
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults to built-in defaults)")
	rootCmd.AddCommand(buildRunCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var scenario string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scripted scenario end to end",
		Long: `Run starts a fake worker, creates one TaskHandle against it, drives
some local intent (splits, session, fragment), and waits for the task
to reach a terminal state.

Scenarios:
  normal        the demo sets the fake worker's status to RUNNING and
                then to FINISHED
  cancel        the planner cancels the task mid-flight
  abort         the planner aborts the task mid-flight
  mismatch      the fake worker flips its instance id partway through
  slow-worker   the fake worker delays and then rejects replies until
                maxErrorDuration ages the task out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(configFile, scenario)
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "normal", "normal|cancel|abort|mismatch|slow-worker")

	return cmd
}

func loadOrDefault(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func codecsFor(cfg config.Config) (preferred, fallback codec.Codec) {
	cborCodec := codec.NewCBORCodec()
	jsonCodec := codec.JSONCodec{}
	if cfg.Codec.Preferred == "json" {
		return jsonCodec, cborCodec
	}
	return cborCodec, jsonCodec
}

func runScenario(configPath, scenario string) error {
	cfg, err := loadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	// A file-provided worker.base_uri is intentionally never used here:
	// the demo always talks to its own in-process fake worker.

	preferred, fallback := codecsFor(cfg)
	worker := faketask.NewServer(preferred, fallback)
	defer worker.Close()

	id := task.ID{QueryID: "demo-query", StageID: 0, PartitionID: 0, Attempt: 0}
	initialStatus := task.Status{
		TaskID:     id,
		InstanceID: "worker-1",
		State:      task.StatePlanned,
		SelfURI:    worker.URL() + "/" + id.String(),
	}
	initialInfo := task.Info{Status: initialStatus, NeedsPlan: true}
	script := worker.Seed(id, initialStatus, initialInfo)

	switch scenario {
	case "mismatch":
		script.FlipInstanceIDAfter(2, "worker-restarted")
	case "slow-worker":
		script.DelayReplyAfter(1, 200*time.Millisecond)
		script.RejectAfter(3, 503)
	case "normal":
		go func() {
			time.Sleep(150 * time.Millisecond)
			script.SetStatus(task.Status{TaskID: id, InstanceID: "worker-1", Version: 100, State: task.StateRunning})
			time.Sleep(150 * time.Millisecond)
			script.SetStatus(task.Status{TaskID: id, InstanceID: "worker-1", Version: 101, State: task.StateFinished})
		}()
	}

	client := rpcclient.NewHTTPClient(30 * time.Second)
	factory := registry.New(client, preferred, fallback, clock.Real{}, registry.Timeouts{
		StatusRefreshMaxWait:   cfg.Timeouts.StatusRefreshMaxWait,
		InfoUpdateInterval:     cfg.Timeouts.InfoUpdateInterval,
		TaskInfoRefreshMaxWait: cfg.Timeouts.TaskInfoRefreshMaxWait,
		MaxErrorDuration:       cfg.Timeouts.MaxErrorDuration,
	}, cfg.Trace.Enabled, cfg.Trace.Capacity)

	handle, err := factory.NewTaskHandle(id, worker.URL(), initialInfo, task.OutputBuffers{Version: 1, Type: "PARTITIONED"})
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	handle.SetSession("demo-session", 1)
	handle.SetFragment([]byte("demo-plan-fragment"))
	handle.AddSplits(map[task.PlanNodeID][]task.Split{
		"source-0": {
			{Lifespan: task.LifespanTaskWide, ConnectorSplit: task.ConnectorSplit{ConnectorID: "demo", Payload: []byte("split-1")}},
			{Lifespan: task.LifespanTaskWide, ConnectorSplit: task.ConnectorSplit{ConnectorID: "demo", Payload: []byte("split-2")}},
		},
	})
	handle.NoMoreSplits("source-0")

	switch scenario {
	case "cancel":
		go func() {
			time.Sleep(150 * time.Millisecond)
			handle.Cancel()
		}()
	case "abort":
		go func() {
			time.Sleep(150 * time.Millisecond)
			handle.Abort()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-handle.Done():
	case <-ctx.Done():
		slog.Warn("interrupted before task reached terminal state")
		factory.Stop()
		return ctx.Err()
	case <-time.After(cfg.Timeouts.MaxErrorDuration + 10*time.Second):
		slog.Error("scenario timed out waiting for terminal state", "scenario", scenario)
		factory.Stop()
		return fmt.Errorf("cli: scenario %q timed out", scenario)
	}

	status := handle.GetTaskStatus()
	fmt.Printf("task %s reached %s\n", status.TaskID.String(), status.State)
	for _, failure := range status.Failures {
		fmt.Printf("  failure: %s: %s\n", failure.Code, failure.Message)
	}

	factory.Stop()
	return nil
}
