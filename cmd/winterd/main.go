// winterd is an AT Protocol-backed personal daemon: it syncs one account's
// repository, extracts its facts into a datalog projection, fires triggers
// against that projection, and runs scheduled jobs — all driven by records
// in the repo itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
	"github.com/razorgirl/winterd/internal/config"
	"github.com/razorgirl/winterd/internal/datalog"
	"github.com/razorgirl/winterd/internal/scheduler"
	"github.com/razorgirl/winterd/internal/telemetry"
	"github.com/razorgirl/winterd/internal/trigger"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		configPath  = flag.String("config", "", "Configuration database path (default: in-memory)")
		factsDir    = flag.String("facts-dir", "", "Directory for extracted datalog fact files (default: temp dir)")
		metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `winterd v%s - AT Protocol personal daemon

Usage: winterd [options]

Options:
`, version)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("winterd v%s\n", version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, *factsDir, *metricsAddr, log); err != nil {
		log.Error("winterd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, factsDir, metricsAddr string, log *slog.Logger) error {
	cfg, err := config.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer cfg.Close()

	did, err := cfg.Get("did")
	if err != nil {
		return fmt.Errorf("read did config: %w", err)
	}
	if did == "" {
		return fmt.Errorf("config key %q is required", "did")
	}
	pdsURL, err := cfg.Get("pds_url")
	if err != nil {
		return fmt.Errorf("read pds_url config: %w", err)
	}
	solverPath, err := cfg.Get("solver_binary_path")
	if err != nil {
		return fmt.Errorf("read solver_binary_path config: %w", err)
	}
	accessToken, err := cfg.Get("access_token")
	if err != nil {
		return fmt.Errorf("read access_token config: %w", err)
	}
	storeBackend, err := cfg.Get("store_backend")
	if err != nil {
		return fmt.Errorf("read store_backend config: %w", err)
	}
	sqlitePath, err := cfg.Get("sqlite_store_path")
	if err != nil {
		return fmt.Errorf("read sqlite_store_path config: %w", err)
	}

	store, err := atproto.NewRecordStore(atproto.StoreConfig{
		Backend:     storeBackend,
		PDSURL:      pdsURL,
		DID:         did,
		AccessToken: accessToken,
		SQLitePath:  sqlitePath,
	})
	if err != nil {
		return fmt.Errorf("build record store: %w", err)
	}

	metrics := telemetry.NewMetrics(telemetry.Registry)
	patterns, err := telemetry.OpenPatternStore(sqlitePath)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer patterns.Close()

	var dc *datalog.DatalogCache
	if factsDir == "" {
		dc, err = datalog.NewTempDatalogCache(solverPath)
		if err != nil {
			return fmt.Errorf("create temp datalog cache: %w", err)
		}
	} else {
		dc = datalog.NewDatalogCache(factsDir, solverPath, log)
		// A caller-supplied, persistent facts dir signals a development
		// setup where rule/fact files get hand-edited outside the normal
		// firehose-driven flush path; watch for that and for a rebuilt
		// solver binary so both pick up without a daemon restart.
		if err := dc.WatchDir(func() {
			log.Info("facts directory changed on disk, forcing full regeneration")
			dc.TriggerFullRegen()
		}); err != nil {
			log.Warn("failed to watch facts directory", "dir", factsDir, "error", err)
		}
		if err := dc.WatchSolverBinary(func() {
			log.Info("solver binary changed on disk", "path", solverPath)
		}); err != nil {
			log.Warn("failed to watch solver binary", "path", solverPath, "error", err)
		}
	}
	return runDaemon(cfg, dc, store, did, pdsURL, metrics, patterns, metricsAddr, log)
}

func runDaemon(
	cfg *config.Store,
	dc *datalog.DatalogCache,
	store atproto.RecordStore,
	did, pdsURL string,
	metrics *telemetry.Metrics,
	patterns *telemetry.PatternStore,
	metricsAddr string,
	log *slog.Logger,
) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	dc.StartUpdateListener(ctx, cache)
	defer dc.Stop()

	sync := atproto.NewSyncCoordinator(cache, did, pdsURL, log)

	engine := trigger.New(cache, dc, store, pdsURL+"/xrpc/diy.razorgirl.winter.inbox", log)

	sched := scheduler.New(cache, store, func(ctx context.Context, job atproto.Job) error {
		return runJobInstructions(ctx, dc, cache, job)
	}, log)
	if err := sched.LoadInterrupted(ctx); err != nil {
		log.Warn("failed to recover interrupted jobs", "error", err)
	}

	go serveMetrics(ctx, metricsAddr, log)

	errCh := make(chan error, 3)
	go func() { errCh <- sync.Run(ctx) }()
	go func() { errCh <- sched.RunLoop(ctx) }()
	go func() { errCh <- runTriggerLoop(ctx, cfg, engine, patterns, metrics, log) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// runTriggerLoop evaluates every enabled trigger on a fixed cycle, then
// drains the delta in each trigger's cumulative in-memory health counters
// into the persisted pattern store.
func runTriggerLoop(ctx context.Context, cfg *config.Store, engine *trigger.Engine, patterns *telemetry.PatternStore, metrics *telemetry.Metrics, log *slog.Logger) error {
	cycle := time.Duration(cfg.GetInt("trigger_cycle_seconds", 10)) * time.Second
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	last := make(map[string][2]int)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.TriggerCycles.Inc()
			if err := engine.RunCycle(ctx); err != nil {
				log.Warn("trigger cycle failed", "error", err)
			}
			for name, counts := range engine.HealthSnapshot() {
				prev := last[name]
				successDelta, failureDelta := counts[0]-prev[0], counts[1]-prev[1]
				if err := patterns.AddCounts(name, successDelta, failureDelta); err != nil {
					log.Warn("failed to persist trigger health", "trigger", name, "error", err)
					continue
				}
				last[name] = counts
			}
		}
	}
}

// runJobInstructions is the Scheduler's Executor. A Job's Instructions
// field holds a datalog query body; running the job means evaluating that
// body against the current fact projection and letting its side effects
// (if any trigger fires off the resulting thought/fact) take over from
// there. Jobs with no queryable instructions are treated as a no-op tick.
func runJobInstructions(ctx context.Context, dc *datalog.DatalogCache, cache *atproto.RepoCache, job atproto.Job) error {
	if job.Instructions == "" {
		return nil
	}
	vars := datalog.ExtractVariables(job.Instructions)
	head := fmt.Sprintf("_job_result(%s)", strings.Join(vars, ", "))
	rule := datalog.BuildRuleClause(head, []string{job.Instructions}, nil)
	_, err := dc.ExecuteQuery(ctx, cache, head, []string{rule})
	return err
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", "error", err)
	}
}
