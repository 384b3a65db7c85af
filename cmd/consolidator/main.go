// Command consolidator is the thin process boundary around the
// library packages in internal/: it reads a connection file and a
// JSON run configuration, wires a Table Sync Engine into the Branch
// and Cycle Orchestrators, and runs until an interrupt or terminate
// signal arrives. Flag parsing, signal handling, and process exit
// codes live here and nowhere else -- every other package is
// exercised the same way whether it is driven by this binary or by a
// test harness.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/branchsync/consolidator/internal/orchestrator"
	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
	"github.com/branchsync/consolidator/internal/tablesync"
)

func main() {
	connectionsPath := flag.String("connections", "connections.csv", "path to the connection file")
	configPath := flag.String("config", "config.json", "path to the run configuration JSON file")
	flag.Parse()

	if err := run(*connectionsPath, *configPath); err != nil {
		log.WithError(err).Fatal("consolidator exited with an error")
	}
}

func run(connectionsPath, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	all, err := loadConnections(connectionsPath)
	if err != nil {
		return fmt.Errorf("loading connections: %w", err)
	}
	target, sources, ok := syncconfig.Partition(all)
	if !ok {
		return fmt.Errorf("connection file must name exactly one target (parsed %d connections)", len(all))
	}
	admin := target
	admin.Database = "master"

	sinks, closeSinks, err := openSinks(cfg)
	if err != nil {
		return fmt.Errorf("opening log sinks: %w", err)
	}
	defer closeSinks()

	engine := tablesync.NewEngine(cfg.ConsolidatedTargetDatabase, sinks)
	branch := orchestrator.NewBranchOrchestrator(engine)
	branch.Sinks = sinks
	cycle := orchestrator.NewCycleOrchestrator(branch, target, admin, sources, cfg)
	cycle.Sinks = sinks

	ctx := stopper.WithContext(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cycle.RunForever(ctx)
		close(done)
	}()

	select {
	case s := <-sig:
		log.WithField("signal", s).Info("shutdown requested")
	case <-done:
		return nil
	}

	for _, stopErr := range ctx.Stop(30 * time.Second) {
		log.WithError(stopErr).Warn("worker reported an error during shutdown")
	}
	<-done
	return nil
}

func loadConfig(path string) (*syncconfig.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg syncconfig.Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func loadConnections(path string) ([]syncconfig.ConnectionConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return syncconfig.ParseConnections(f)
}

// openSinks opens the three log streams named by cfg, falling back to
// stdout (general, success) or stderr (errors) for any path left
// empty. The returned closer closes whichever files were opened.
func openSinks(cfg *syncconfig.Config) (*syncconfig.Sinks, func(), error) {
	var toClose []*os.File

	open := func(path string, fallback *os.File) (*os.File, error) {
		if path == "" {
			return fallback, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		toClose = append(toClose, f)
		return f, nil
	}

	closeAll := func() {
		for _, f := range toClose {
			f.Close()
		}
	}

	general, err := open(cfg.GeneralLogPath, os.Stdout)
	if err != nil {
		return nil, closeAll, err
	}
	success, err := open(cfg.SuccessLogPath, os.Stdout)
	if err != nil {
		closeAll()
		return nil, func() {}, err
	}
	errs, err := open(cfg.ErrorLogPath, os.Stderr)
	if err != nil {
		closeAll()
		return nil, func() {}, err
	}

	return syncconfig.NewSinks(general, success, errs), closeAll, nil
}
