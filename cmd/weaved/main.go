package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/weave/engine"
	"goa.design/weave/executor"
	"goa.design/weave/executor/builtin"
	"goa.design/weave/lease"
	"goa.design/weave/lease/redisstore"
	"goa.design/weave/maintenance"
	"goa.design/weave/store"
	"goa.design/weave/store/inmem"
	"goa.design/weave/store/postgres"
	"goa.design/weave/telemetry"
	"goa.design/weave/workflow"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// engine process.
	var (
		idF      = flag.String("id", "", "Engine id (defaults to hostname-<uuid>)")
		dsnF     = flag.String("dsn", "", "PostgreSQL DSN (empty runs on the in-memory store)")
		redisF   = flag.String("redis", "", "Redis address for lease coordination (empty uses the relational store)")
		defsF    = flag.String("definitions", "", "Directory of workflow definition files (*.json, *.yaml)")
		maxF     = flag.Int("max-concurrency", engine.DefaultMaxConcurrency, "Maximum units in flight across all instances")
		perInstF = flag.Int("max-per-instance", 0, "Maximum units in flight within one instance (0 = unbounded)")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Format and debug settings ride on the context.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	id := *idF
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "weaved"
		}
		id = host + "-" + uuid.NewString()[:8]
	}
	log.Print(ctx, log.KV{K: "engine-id", V: id})

	// Storage backend.
	var st store.Store
	if *dsnF != "" {
		pg, err := postgres.Open(*dsnF)
		if err != nil {
			log.Fatalf(ctx, err, "postgres open failed")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf(ctx, err, "migration failed")
		}
		st = pg
		log.Print(ctx, log.KV{K: "store", V: "postgres"})
	} else {
		st = inmem.New()
		log.Print(ctx, log.KV{K: "store", V: "inmem"})
	}

	logger := telemetry.NewClueLogger()

	// Lease coordination: per-instance ownership lives in Redis when an
	// address is given, otherwise in the relational store. The heartbeat
	// mirror keeps instance rows fresh either way so the maintenance worker
	// can spot dead owners.
	var leaseMgr *lease.Manager
	if *redisF != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisF})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "redis ping failed")
		}
		leaseMgr = lease.NewManager(id, redisstore.New(rdb),
			lease.WithHeartbeatMirror(st), lease.WithLogger(logger))
		log.Print(ctx, log.KV{K: "leases", V: "redis"})
	} else {
		leaseMgr = lease.NewManager(id, st,
			lease.WithHeartbeatMirror(st), lease.WithLogger(logger))
		log.Print(ctx, log.KV{K: "leases", V: "store"})
	}

	// Executor registry with the built-in scope. Host applications link their
	// own executors in before engine construction seals the registry.
	registry := executor.NewRegistry()
	scope, err := registry.ContributeScope("builtin")
	if err != nil {
		log.Fatalf(ctx, err, "registry scope failed")
	}
	if err := builtin.Register(scope); err != nil {
		log.Fatalf(ctx, err, "builtin registration failed")
	}

	eng := engine.New(id, st, registry,
		engine.WithLogger(logger),
		engine.WithMetrics(telemetry.NewOTELMetrics()),
		engine.WithTracer(telemetry.NewOTELTracer()),
		engine.WithMaxConcurrency(*maxF),
		engine.WithDefaultMaxConcurrency(*perInstF),
		engine.WithLeaseManager(leaseMgr),
	)

	if *defsF != "" {
		n, err := loadDefinitions(ctx, eng, *defsF)
		if err != nil {
			log.Fatalf(ctx, err, "definition load failed")
		}
		log.Print(ctx, log.KV{K: "definitions-loaded", V: n})
	}

	janitor := maintenance.New(st,
		maintenance.WithLogger(logger),
		maintenance.WithMetrics(telemetry.NewOTELMetrics()),
	)

	// Create channel used by both the signal handler and worker goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := janitor.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	eng.Close()
	log.Printf(ctx, "exited")
}

// loadDefinitions registers every definition document found directly in dir.
// File extension selects the codec.
func loadDefinitions(ctx context.Context, eng *engine.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var decode func([]byte) (*workflow.Definition, error)
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json":
			decode = workflow.DecodeJSON
		case ".yaml", ".yml":
			decode = workflow.DecodeYAML
		default:
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return n, err
		}
		def, err := decode(data)
		if err != nil {
			return n, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if err := eng.RegisterDefinition(ctx, def); err != nil {
			return n, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		log.Print(ctx, log.KV{K: "definition", V: def.Name}, log.KV{K: "version", V: def.Version})
		n++
	}
	return n, nil
}
