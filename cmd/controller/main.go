// Command controller is the per-host BGP network-emulation controller
// of spec.md §1: it loads a topology, brings emulated routers online
// in staged order, captures and replays their traffic across a
// partition sequence, and exits cleanly at END.
//
// Grounded on jingkaihe-matchlock's cmd/matchlock for driving the
// command surface with cobra, and on viper for layering RIPC_*
// environment overrides over the fixed positional CLI spec.md §6
// names, per SPEC_FULL.md's CLI section.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ripc-net/controller/internal/collab"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/engine"
)

var (
	flagSwitchTS    string
	flagConvergeTS  string
	flagIOLog       string
	flagMetricsAddr string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller <image> <conf> <log-path> <nthreads> <max-runtime-sec> <hosts-file>",
		Short: "per-host controller for staged BGP network emulation",
		Args:  cobra.ExactArgs(6),
		RunE:  runController,
	}
	cmd.Flags().StringVar(&flagSwitchTS, "switch-ts-path", "", "override path for switch_pods_ts.txt (default: <log-path>/switch_pods_ts.txt)")
	cmd.Flags().StringVar(&flagConvergeTS, "converge-ts-path", "", "override path for converge_end_ts.txt (default: <log-path>/converge_end_ts.txt)")
	cmd.Flags().StringVar(&flagIOLog, "io-log-path", "", "override path for io.log (default: <log-path>/io.log)")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")
	return cmd
}

func runController(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix("RIPC")
	v.AutomaticEnv()
	v.SetDefault("image", args[0])
	v.SetDefault("conf", args[1])
	v.SetDefault("log_path", args[2])
	v.SetDefault("nthreads", args[3])
	v.SetDefault("max_runtime_sec", args[4])
	v.SetDefault("hosts_file", args[5])

	image := collab.Image(v.GetString("image"))
	if !image.Valid() {
		return fmt.Errorf("controller: image must be one of frr, bird, crpd, got %q", image)
	}
	nthreads, err := strconv.Atoi(v.GetString("nthreads"))
	if err != nil || nthreads < 1 {
		return fmt.Errorf("controller: nthreads must be a positive integer, got %q", v.GetString("nthreads"))
	}
	maxRuntimeSec, err := strconv.Atoi(v.GetString("max_runtime_sec"))
	if err != nil || maxRuntimeSec < 0 {
		return fmt.Errorf("controller: max-runtime-sec must be a non-negative integer, got %q", v.GetString("max_runtime_sec"))
	}

	logPath := v.GetString("log_path")
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		return fmt.Errorf("controller: create log-path %s: %w", logPath, err)
	}

	cfg := engine.Config{
		Image:          image,
		ConfDir:        v.GetString("conf"),
		BlueprintPath:  v.GetString("conf") + "/blueprint.json",
		PartitionPath:  v.GetString("conf") + "/partition.json",
		HostsPath:      v.GetString("hosts_file"),
		LogPath:        logPath + "/controller.log",
		NumWorkers:     nthreads,
		MaxRuntime:     time.Duration(maxRuntimeSec) * time.Second,
		SwitchTSPath:   resolveOutput(flagSwitchTS, logPath, "switch_pods_ts.txt"),
		ConvergeTSPath: resolveOutput(flagConvergeTS, logPath, "converge_end_ts.txt"),
		IOLogPath:      resolveOutput(flagIOLog, logPath, "io.log"),
		MetricsAddr:    flagMetricsAddr,
	}

	eng, err := engine.New(cfg, config.Loader{})
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		eng.ForceTeardown()
	}()

	return eng.Run()
}

func resolveOutput(flagVal, logDir, name string) string {
	if flagVal != "" {
		return flagVal
	}
	return logDir + "/" + name
}
