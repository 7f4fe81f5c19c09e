package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caio-sobreiro/dicomfetch/client"
	"github.com/caio-sobreiro/dicomfetch/config"
	"github.com/caio-sobreiro/dicomfetch/download"
	"github.com/caio-sobreiro/dicomfetch/events"
	"github.com/caio-sobreiro/dicomfetch/model"
	"github.com/caio-sobreiro/dicomfetch/resolver"
)

// listFlag collects repeated or comma separated values.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	*l = append(*l, strings.Split(value, ",")...)
	return nil
}

func main() {
	var patients, studies, accessions, series, instances listFlag
	flag.Var(&patients, "patient", "Patient ID to resolve, optionally id^^^issuer (repeatable, comma separated)")
	flag.Var(&studies, "study", "Study instance UID to resolve")
	flag.Var(&accessions, "accession", "Accession number to resolve")
	flag.Var(&series, "series", "Series instance UID to resolve")
	flag.Var(&instances, "instance", "SOP instance UID to resolve")
	baseURL := flag.String("base-url", "", "DICOMweb base URL (overrides DICOMWEB_BASE_URL)")
	outputDir := flag.String("out", "", "Output directory (overrides DICOMFETCH_OUTPUT_DIR)")
	priority := flag.String("priority", "", "Download priority tier: high, normal or low (overrides DICOMFETCH_PRIORITY)")
	dryRun := flag.Bool("dry-run", false, "Resolve the hierarchy without downloading")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load(bootstrap)
	if *baseURL != "" {
		cfg.DICOMweb.BaseURL = *baseURL
	}
	if *outputDir != "" {
		cfg.Download.OutputDir = *outputDir
	}
	if *priority != "" {
		cfg.Download.Priority = *priority
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *dryRun, batches{
		patients:   patients,
		studies:    studies,
		accessions: accessions,
		series:     series,
		instances:  instances,
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("dicomfetch stopped", "reason", err.Error())
			return
		}
		logger.Error("dicomfetch terminated unexpectedly", "error", err)
		os.Exit(1)
	}
}

type batches struct {
	patients, studies, accessions, series, instances []string
}

func (b batches) empty() bool {
	return len(b.patients)+len(b.studies)+len(b.accessions)+len(b.series)+len(b.instances) == 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool, in batches) error {
	if in.empty() {
		return errors.New("nothing to resolve: pass at least one of -patient, -study, -accession, -series, -instance")
	}
	tier, err := download.ParseTier(cfg.Download.Priority)
	if err != nil {
		return err
	}

	qido, err := client.New(client.Config{
		BaseURL:         cfg.DICOMweb.BaseURL,
		Timeout:         cfg.DICOMweb.Timeout,
		QueryHeaders:    cfg.DICOMweb.QueryHeaders,
		RetrieveHeaders: cfg.DICOMweb.RetrieveHeaders,
		QueryExtension:  cfg.DICOMweb.QueryExtension,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := download.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics", "address", cfg.MetricsAddr)
	}

	tree := model.NewTree()
	loader := &download.WADOLoader{
		Manifests: tree,
		Fetcher:   qido,
		Sink:      download.DirSink{Root: cfg.Download.OutputDir},
		Logger:    logger,
		Metrics:   metrics,
	}
	scheduler := download.New(loader,
		download.WithWorkers(cfg.Download.Workers),
		download.WithLogger(logger),
		download.WithMetrics(metrics))

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, task events will not be published", "addr", cfg.Redis.Addr, "error", err)
		} else {
			scheduler.Subscribe(events.NewPublisher(rdb,
				events.WithStream(cfg.Redis.Stream),
				events.WithMaxLen(cfg.Redis.MaxLen),
				events.WithLogger(logger)))
		}
	}

	var tasks resolver.TaskSubmitter = scheduler
	if dryRun {
		tasks = nil
	}
	res := resolver.New(qido, tree, tasks,
		resolver.WithLogger(logger),
		resolver.WithFilters(resolver.ParseFilters(resolver.RawFilters{
			LowerDateTime: cfg.Filters.LowerDateTime,
			UpperDateTime: cfg.Filters.UpperDateTime,
			MostRecent:    cfg.Filters.MostRecent,
			Modalities:    cfg.Filters.Modalities,
			Keywords:      cfg.Filters.Keywords,
		}, logger)),
		resolver.WithSeriesConcurrency(cfg.Download.SeriesConcurrency),
		resolver.WithParallelism(cfg.Resolve.Parallelism),
		resolver.WithPriorityTier(tier))
	scheduler.Subscribe(res)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Scheduler shutdown timed out", "error", err)
		}
	}()

	var failed int
	for _, result := range []resolver.BatchResult{
		res.ResolvePatientIDs(ctx, in.patients),
		res.ResolveStudyUIDs(ctx, in.studies),
		res.ResolveAccessionNumbers(ctx, in.accessions),
		res.ResolveSeriesUIDs(ctx, in.series),
		res.ResolveSOPInstanceUIDs(ctx, in.instances),
	} {
		failed += result.Failed
	}

	logger.Info("Resolution complete",
		"nodes", tree.Len(),
		"patients", len(tree.Children(model.Root)),
		"failed_identifiers", failed,
		"queued_series", scheduler.Len())

	go reportProgress(ctx, logger, scheduler)
	if err := scheduler.Wait(ctx); err != nil {
		return err
	}
	logger.Info("All downloads finished", "output_dir", cfg.Download.OutputDir)
	return nil
}

// reportProgress logs the active downloads every few seconds until ctx is
// done or the scheduler drains.
func reportProgress(ctx context.Context, logger *slog.Logger, scheduler *download.Scheduler) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tasks := scheduler.Tasks()
		if len(tasks) == 0 {
			return
		}
		var running int
		for _, task := range tasks {
			if task.State() == download.StateRunning {
				running++
			}
		}
		logger.InfoContext(ctx, "Download progress",
			"active", len(tasks),
			"running", running,
			"top_series_uid", tasks[0].SeriesUID)
	}
}
