package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/config"
	"hempdb/imagegen/internal/app"
	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/jobs"
	"hempdb/imagegen/internal/worker"
	"hempdb/imagegen/models"
)

func main() {
	once := flag.Bool("once", false, "run a single batch and exit")
	every := flag.Duration("every", 0, "run a batch on this interval (overrides dispatcher.interval)")
	batchSize := flag.Int("batch", 0, "batch size (overrides dispatcher.batch_size)")
	providerName := flag.String("provider", "", "provider override for every item")
	populate := flag.Int("populate", 0, "before dispatching, queue up to N subjects lacking images")
	populateKind := flag.String("populate-kind", "", "restrict -populate to product, plant_type or plant_part")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		config.InitLogger("info").Fatalf("Failed to load configuration: %v", err)
	}
	log := config.InitLogger(cfg.Log.Level)

	size := cfg.Dispatcher.BatchSize
	if *batchSize > 0 {
		size = *batchSize
	}
	override := cfg.Dispatcher.Provider
	if *providerName != "" {
		override = *providerName
	}
	interval := cfg.Dispatcher.Interval
	if *every > 0 {
		interval = *every
	}
	if *once {
		interval = 0
	}
	var kind models.SubjectKind
	if *populateKind != "" {
		k, err := models.ParseSubjectKind(*populateKind)
		if err != nil {
			log.Fatalf("Invalid -populate-kind: %v", err)
		}
		kind = k
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer application.Close()

	if interval <= 0 {
		if *populate > 0 {
			sweep := jobs.NewSweepJob("sweep-once", kind, *populate, "", application.Monitor, log)
			if err := sweep.Execute(ctx); err != nil {
				log.WithError(err).Error("Population sweep failed")
			}
		}
		res, err := application.Dispatcher.Run(ctx, size, override)
		printResult(log, res)
		if err != nil {
			log.WithError(err).Error("Batch failed")
			application.Close()
			os.Exit(1)
		}
		return
	}

	pool := worker.NewPool(cfg.Dispatcher.Workers, cfg.Dispatcher.Workers*2, log)
	pool.Run(ctx)
	defer pool.Stop()

	log.WithFields(logrus.Fields{"interval": interval, "batch_size": size, "workers": cfg.Dispatcher.Workers}).Info("Scheduled dispatcher running")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := 0
	for {
		run++
		if *populate > 0 {
			submit(log, pool, jobs.NewSweepJob(fmt.Sprintf("sweep-%d", run), kind, *populate, "", application.Monitor, log))
		}
		// Concurrent batches are safe: every item is claimed with a compare-and-set.
		for w := 0; w < cfg.Dispatcher.Workers; w++ {
			job := jobs.NewBatchJob(fmt.Sprintf("batch-%d-%d", run, w+1), size, override, application.Dispatcher, log)
			submit(log, pool, job)
		}

		select {
		case <-ctx.Done():
			log.Info("Shutting down dispatcher...")
			return
		case <-ticker.C:
		}
	}
}

func submit(log logrus.FieldLogger, pool *worker.Pool, job worker.Job) {
	if err := pool.Submit(job); err != nil {
		log.WithError(err).WithField("job_id", job.ID()).Warn("Skipping job this tick")
	}
}

func printResult(log logrus.FieldLogger, res *dispatcher.Result) {
	if res == nil {
		return
	}
	entry := log.WithFields(logrus.Fields{
		"processed": res.Processed,
		"success":   res.Success,
		"failed":    res.Failed,
		"cancelled": res.Cancelled,
	})
	for _, w := range res.Warnings {
		entry.Warn(w)
	}
	for _, e := range res.Errors {
		entry.WithFields(logrus.Fields{"work_item_id": e.WorkItemID, "subject": e.Subject, "provider": e.Provider}).Error(e.Message)
	}
	entry.Info("Batch complete")
}
