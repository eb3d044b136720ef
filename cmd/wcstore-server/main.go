// Command wcstore-server runs one storage engine node: a thread-per-
// partition runtime reachable over the wire protocol, with a Prometheus
// metrics endpoint and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/dowkv/wcstore/pkg/admin"
	"github.com/dowkv/wcstore/pkg/archive"
	"github.com/dowkv/wcstore/pkg/config"
	"github.com/dowkv/wcstore/pkg/logging"
	"github.com/dowkv/wcstore/pkg/metrics"
	"github.com/dowkv/wcstore/pkg/runtime"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults applied if omitted)")
	adminAddr := flag.String("admin-addr", ":9876", "address for the /health and /metrics HTTP endpoints")
	inspect := flag.Bool("inspect", false, "run the terminal partition inspector instead of serving")
	flag.Parse()

	log := logging.NewDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("invalid configuration", logging.Error(err))
		os.Exit(1)
	}

	for _, dir := range []string{cfg.CommitLogDir, cfg.SSTableDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create data directory", logging.String("dir", dir), logging.Error(err))
			os.Exit(1)
		}
	}

	schemas, err := schema.ReadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Error("read catalog", logging.Error(err))
		os.Exit(1)
	}
	log.Info("loaded catalog", logging.Int("tables", len(schemas)))

	reg := metrics.NewRegistry()

	var archiveSegment func(path string) error
	if cfg.Archive.Enabled {
		archiver, err := archive.New(context.Background(), archive.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		})
		if err != nil {
			log.Error("build archiver", logging.Error(err))
			os.Exit(1)
		}
		archiver.SetLogger(log)
		archiveSegment = archiver.CompactorHook()
		log.Info("segment archival enabled", logging.String("bucket", cfg.Archive.Bucket))
	}

	mgr, err := runtime.NewManager(runtime.Config{
		NumThreads:         cfg.NumThreads,
		TotalPartitions:    cfg.TotalPartitions,
		BasePort:           cfg.BasePort,
		CommitLogDir:       cfg.CommitLogDir,
		SSTableDir:         cfg.SSTableDir,
		MemtableMaxBytes:   cfg.MemtableMaxBytes,
		CatalogPath:        cfg.CatalogPath,
		CompactionInterval: cfg.Compaction.Interval,
		ArchiveSegment:     archiveSegment,
	}, schemas, log, reg)
	if err != nil {
		log.Error("build runtime", logging.Error(err))
		os.Exit(1)
	}

	if err := mgr.Start(); err != nil {
		log.Error("start runtime", logging.Error(err))
		os.Exit(1)
	}
	log.Info("runtime started",
		logging.Int("threads", cfg.NumThreads),
		logging.Int("partitions", cfg.TotalPartitions),
		logging.Int("base_port", cfg.BasePort))

	go serveAdmin(*adminAddr, reg, log)

	if *inspect {
		threads := mgr.Threads()
		adminThreads := make([]admin.Thread, len(threads))
		for i, th := range threads {
			adminThreads[i] = th
		}
		if err := admin.Run(admin.NewFromThreads(adminThreads)); err != nil {
			log.Error("inspector exited with error", logging.Error(err))
		}
		_ = mgr.Shutdown()
		return
	}

	gs := server.NewGracefulServer(mgr, log)
	gs.SetConfigReloadFunc(func() error {
		reloaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = reloaded
		log.Info("configuration reloaded")
		return nil
	})

	if err := gs.Start(); err != nil {
		log.Error("runtime shutdown error", logging.Error(err))
		os.Exit(1)
	}
	log.Info("wcstore-server exited cleanly")
}

func serveAdmin(addr string, reg *metrics.Registry, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error("admin endpoint stopped", logging.Error(err))
	}
}
