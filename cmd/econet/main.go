package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/backup"
	"github.com/dukerupert/econet/internal/database"
	"github.com/dukerupert/econet/internal/device"
	"github.com/dukerupert/econet/internal/logging"
	"github.com/dukerupert/econet/internal/server"
	"github.com/dukerupert/econet/internal/session"
	"github.com/dukerupert/econet/internal/store"
)

func main() {
	logger := logging.Setup(os.Getenv("ECONET_LOG_LEVEL"), os.Getenv("ECONET_LOG_FORMAT"))

	port := envString("ECONET_PORT", "8080")
	dbPath := envString("ECONET_DB_PATH", "econet.db")

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var network access.Controller
	if envBool("ECONET_USE_IPTABLES") {
		network = access.NewIptables(envBool("ECONET_DRY_RUN"), logger.With("component", "access"))
	} else {
		network = access.NewMemory(logger.With("component", "access"))
	}

	sweepCfg := session.SchedulerConfig{
		Interval:    envDuration("ECONET_SWEEP_INTERVAL", 0),
		TTLAwaiting: envDuration("ECONET_TTL_AWAITING", 0),
		LockTimeout: envDuration("ECONET_LOCK_TIMEOUT", 0),
	}

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("ECONET_S3_ENDPOINT"),
			Bucket:    os.Getenv("ECONET_S3_BUCKET"),
			Region:    envString("ECONET_S3_REGION", "auto"),
			AccessKey: os.Getenv("ECONET_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ECONET_S3_SECRET_KEY"),
		},
		DBPath:        dbPath,
		Passphrase:    os.Getenv("ECONET_BACKUP_PASSPHRASE"),
		Interval:      envDuration("ECONET_BACKUP_INTERVAL", 24*time.Hour),
		RetentionDays: envInt("ECONET_BACKUP_RETENTION_DAYS", 30),
	}

	secondsPerBottle := envInt("ECONET_SECONDS_PER_BOTTLE", store.DefaultSecondsPerBottle)

	srv := server.New(db, network, device.NewResolver(), secondsPerBottle, sweepCfg, backupCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Scheduler().Start(ctx)
	defer srv.Scheduler().Stop()

	if mgr := srv.BackupManager(); mgr != nil {
		mgr.Start(ctx)
		defer mgr.Stop()
	}

	// Trim stale rate limiter entries in the background
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("EcoNeT portal running at http://localhost:%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
