package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/config"
	"github.com/alepar/meters/meters"
	"github.com/alepar/meters/meters/httpapi"
	"github.com/alepar/meters/meters/sink"
	"github.com/alepar/meters/meters/store"
	"github.com/alepar/meters/meters/switchbot"
)

const appName = "switchbot_meters"

func init() {
	//logging
	formatter := &log.TextFormatter{
		FullTimestamp: true,
	}
	log.SetFormatter(formatter)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Warnf("%s", err)
	}
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.Print(appName))
		return
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("run failed: %s", err)
	}
	log.Info("shut down")
}

func run(ctx context.Context, cfg config.Config) error {
	log.WithFields(log.Fields{
		"listen":   cfg.ListenAddr,
		"store":    cfg.Store,
		"interval": cfg.ScanInterval,
		"scanDur":  cfg.ScanDuration,
		"devices":  len(cfg.Devices),
	}).Infof("starting %s", version.Info())

	registry, err := meters.NewRegistry(cfg.Devices)
	if err != nil {
		return err
	}

	readings, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := readings.Close(); err != nil {
			log.Errorf("failed to close store: %s", err)
		}
	}()

	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
	prometheus.MustRegister(version.NewCollector(appName))
	metrics := sink.NewPrometheus(prometheus.DefaultRegisterer)
	sinks := []meters.Sink{metrics}

	if cfg.MQTTBroker != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		publisher, err := sink.ConnectMQTT(connectCtx, cfg.MQTTBroker, appName, cfg.MQTTTopic)
		cancel()
		if err != nil {
			log.Warnf("continuing without mqtt: %s", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	if cfg.InfluxURL != "" {
		history := sink.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer history.Close()
		sinks = append(sinks, history)
	}

	worker := &meters.Worker{
		Interval:        cfg.ScanInterval,
		ScanDuration:    cfg.ScanDuration,
		Registry:        registry,
		Store:           readings,
		Scanner:         &switchbot.BleScanner{Retries: cfg.Retries},
		Decode:          switchbot.Decode,
		ServiceDataKind: switchbot.ServiceDataKind,
		ClearBeforeScan: cfg.ClearBeforeScan,
		Sinks:           sinks,
		Observer:        metrics,
	}

	router := httpapi.NewRouter(meters.NewQueryService(readings), prometheus.DefaultGatherer)
	srv := httpapi.NewServer(cfg.ListenAddr, router, cfg.CORSOrigins)

	log.Infof("http listening on %s", cfg.ListenAddr)
	return serve(ctx, srv, worker.Run, 10*time.Second)
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// serve runs the HTTP server and the scan worker until ctx is done or the server fails.
// Either way the worker is cancelled and waited for, at most stopTimeout, before serve returns.
func serve(ctx context.Context, srv httpServer, work func(context.Context) error, stopTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = work(workerCtx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %s", err)
	}
	cancelWorker()
	stopWorker(workerDone, stopTimeout)

	if serveErr != nil && serveErr != http.ErrServerClosed {
		return errors.Wrap(serveErr, "http server")
	}
	return ctx.Err()
}

func openStore(ctx context.Context, cfg config.Config) (meters.Store, error) {
	switch cfg.Store {
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendRedis:
		rdb, err := store.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return rdb, nil
	default:
		return meters.NewMemoryStore(), nil
	}
}

// stopWorker waits for the cancelled scan worker, so the store and sinks are not closed under it.
func stopWorker(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("scan worker did not stop in time")
	}
}
