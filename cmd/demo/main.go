package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/config"
	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/retry"
	"github.com/ChuLiYu/gridsweep/internal/scheduler"
	"github.com/ChuLiYu/gridsweep/internal/solver/synthetic"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
)

// Scripted walkthrough in a temp directory:
//
//	faults   a run with transient faults, then one retry pass repairs it
//	crash    a run interrupted mid-way keeps its backup, resume completes it
func main() {
	mode := "faults"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	dir, err := os.MkdirTemp("", "gridsweep-demo-")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg.Backup.Dir = dir
	cfg.Archive.Path = filepath.Join(dir, cfg.Label, "results.json")
	cfg.Scheduler.ProgressInterval = "50ms"

	switch mode {
	case "faults":
		err = faultsDemo(cfg)
	case "crash":
		err = crashDemo(cfg)
	default:
		fmt.Println("Usage: go run cmd/demo/main.go <faults|crash>")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Demo failed: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newScheduler(cfg *config.Config) (*scheduler.Scheduler, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sc, err := cfg.SchedulerConfig(logger, nil, progress.NewTextSink(os.Stdout))
	if err != nil {
		return nil, err
	}
	return scheduler.New(sc), nil
}

func faultsDemo(cfg *config.Config) error {
	grid := cfg.GridDescriptor()
	steps := grid.T()
	cfg.Solver.Faults = synthetic.Faults{
		Sentinel:  []int{steps / 4},
		NaN:       []int{steps / 2},
		Panic:     []int{3 * steps / 4},
		Transient: true,
	}
	gen, err := cfg.Generator()
	if err != nil {
		return err
	}
	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Solving %d units on %d workers (sentinel, NaN and panic scripted)\n\n", grid.Units(), cfg.Scheduler.Workers)
	a, err := sched.Run(context.Background(), grid, scheduler.Workload{}, gen.Factory())
	if err != nil {
		return err
	}
	store := archive.NewStore(cfg.Archive.Path)
	if err := store.Write(a); err != nil {
		return err
	}
	fmt.Printf("\n📊 After the first run:\n%s", a.Summary())

	fmt.Printf("\n⚡ Retrying only the failed cells...\n\n")
	repaired, report, err := retry.NewCoordinator(sched, slog.Default()).Retry(context.Background(), a, grid, gen.Factory())
	if err != nil {
		return err
	}
	if err := store.Write(repaired); err != nil {
		return err
	}
	fmt.Printf("\n📊 After retry: %s\n%s", report, repaired.Summary())
	return nil
}

func crashDemo(cfg *config.Config) error {
	grid := cfg.GridDescriptor()
	unblock := make(chan struct{})
	cfg.Solver.Faults = synthetic.Faults{Block: []int{grid.T() / 2}, Transient: true}
	gen, err := cfg.Generator(synthetic.WithUnblock(unblock))
	if err != nil {
		return err
	}
	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		fmt.Printf("\n💥 Simulating Ctrl+C while a solver hangs at step %d\n", grid.T()/2)
		cancel()
		close(unblock)
	}()

	_, err = sched.Run(ctx, grid, scheduler.Workload{}, gen.Factory())
	if !errors.Is(err, scheduler.ErrCanceled) {
		return fmt.Errorf("expected a canceled run, got %v", err)
	}

	backups, err := filepath.Glob(filepath.Join(cfg.Backup.Dir, "._BCKP_"+cfg.Label+"_*.tsv"))
	if err != nil || len(backups) != 1 {
		return fmt.Errorf("expected one backup file, found %d", len(backups))
	}
	fmt.Printf("✓ Backup kept: %s\n", filepath.Base(backups[0]))

	recovered, err := backup.Recover(backups[0], grid, cfg.Label)
	if err != nil {
		return err
	}
	fmt.Printf("\n📊 Recovered from backup:\n%s", recovered.Summary())

	fmt.Printf("\n⚡ Resuming the missing cells...\n\n")
	resumed, report, err := retry.NewCoordinator(sched, slog.Default()).Retry(context.Background(), recovered, grid, gen.Factory())
	if err != nil {
		return err
	}
	if err := archive.NewStore(cfg.Archive.Path).Write(resumed); err != nil {
		return err
	}
	if err := backup.Delete(backups[0]); err != nil {
		return err
	}

	clean, err := sched.Run(context.Background(), grid, scheduler.Workload{}, gen.Factory())
	if err != nil {
		return err
	}
	fmt.Printf("\n📊 After resume: %s\n%s", report, resumed.Summary())
	fmt.Printf("\n💡 Identical to an uninterrupted run: %t\n", clean.Equal(resumed))
	return nil
}
