// Command fundingarb is the supervisor/control-plane binary: it
// boots the shared database, reconciles strategy_runs against the
// live process tree, launches a strategyrun child process per
// instance config under InstanceConfigDir, and serves the
// operator-facing control-plane HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fundingarb-core/internal/appconfig"
	"fundingarb-core/internal/archive"
	"fundingarb-core/internal/control"
	"fundingarb-core/internal/supervisor"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/logging"
	"fundingarb-core/pkg/metrics"
)

func main() {
	log := logging.New(logging.Config{Level: "info", JSON: true})
	defer log.Sync()
	sugar := log.Sugar()

	cfg, err := appconfig.Load()
	if err != nil {
		sugar.Fatalw("load bootstrap config failed", "err", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		sugar.Fatalw("open database failed", "err", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		sugar.Fatalw("apply migrations failed", "err", err)
	}

	sup := supervisor.New(database, supervisor.Config{
		BinaryPath:   strategyrunBinaryPath(),
		DBPath:       cfg.DBPath,
		MaxInstances: cfg.MaxConcurrentInstances,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Reconcile(ctx); err != nil {
		sugar.Warnw("boot reconciliation failed", "err", err)
	}

	entries, err := os.ReadDir(cfg.InstanceConfigDir)
	if err != nil {
		sugar.Warnw("read instance config dir failed, starting with no instances", "dir", cfg.InstanceConfigDir, "err", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(cfg.InstanceConfigDir, e.Name())
		name := e.Name()[:len(e.Name())-len(filepath.Ext(e.Name()))]
		if _, err := sup.Launch(ctx, name, path); err != nil {
			sugar.Errorw("launch instance failed", "config", path, "err", err)
		}
	}

	if cfg.S3Bucket != "" {
		s3Client, err := archive.NewClient(ctx, archive.ClientConfig{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3Endpoint != "",
		})
		if err != nil {
			sugar.Warnw("archive client init failed, snapshots disabled", "err", err)
		} else {
			snap := archive.NewSnapshotter(s3Client, database, "fundingarb", time.Duration(cfg.ArchiveIntervalMinutes)*time.Minute, log)
			go snap.Run(ctx)
		}
	}

	reg := metrics.New()
	srv := control.New(database, "", "", nil, cfg.JWTSecret, reg, nil, log)

	go func() {
		if err := srv.Start(":" + cfg.Port); err != nil {
			sugar.Fatalw("control-plane server error", "err", err)
		}
	}()

	sugar.Infow("fundingarb supervisor started", "port", cfg.Port)
	<-ctx.Done()
	sugar.Info("fundingarb supervisor shutting down")
}

func strategyrunBinaryPath() string {
	if p := os.Getenv("STRATEGYRUN_BINARY"); p != "" {
		return p
	}
	return "./strategyrun"
}
