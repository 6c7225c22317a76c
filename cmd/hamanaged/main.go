// Command hamanaged runs the HA Manager Loop as a standalone process: it
// registers a node in the shared registry, ticks the lease engine, and
// serves the Parent Notification Channel over a Unix-domain socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hamanager/internal/audit"
	"hamanager/internal/haerr"
	"hamanager/internal/ipc"
	"hamanager/internal/manager"
	"hamanager/internal/metrics"
	"hamanager/internal/registry"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var (
		driver        = flag.String("driver", envOr("HAMANAGER_DRIVER", "sqlite3"), "database/sql driver (sqlite3, pgx, mysql)")
		dsn           = flag.String("dsn", envOr("HAMANAGER_DSN", "hamanager.db"), "data source name")
		name          = flag.String("name", envOr("HAMANAGER_NAME", ""), "this node's HA name, unique in the cluster; empty selects standalone mode")
		address       = flag.String("address", envOr("HAMANAGER_ADDRESS", "127.0.0.1"), "this node's advertised address")
		port          = flag.Int("port", 8700, "this node's advertised port")
		socketPath    = flag.String("socket", envOr("HAMANAGER_SOCKET", "/var/run/hamanager.sock"), "Unix-domain socket for the parent notification channel")
		debugAddr     = flag.String("debug-addr", envOr("HAMANAGER_DEBUG_ADDR", ""), "address to serve /metrics and /healthz on; empty disables")
		tickPeriod    = flag.Duration("tick-period", 5*time.Second, "interval between lease checks")
		heartbeat     = flag.Duration("heartbeat", 10*time.Second, "interval between heartbeat pushes to the parent")
		auditKeyPath  = flag.String("audit-key", envOr("HAMANAGER_AUDIT_KEY", "hamanager-audit.key"), "path to the HMAC key protecting the audit chain")
		auditDisabled = flag.Bool("disable-audit", false, "start with the audit log disabled")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "hamanaged: ", log.LstdFlags|log.Lmicroseconds)

	if err := run(*driver, *dsn, *name, *address, *port, *socketPath, *debugAddr,
		*tickPeriod, *heartbeat, *auditKeyPath, !*auditDisabled, logger); err != nil {
		logger.Printf("exiting: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

func run(driver, dsn, name, address string, port int, socketPath, debugAddr string,
	tickPeriod, heartbeat time.Duration, auditKeyPath string, auditEnabled bool, logger *log.Logger) error {

	store, err := registry.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	hmacKey, err := audit.LoadOrCreateKey(auditKeyPath)
	if err != nil {
		return fmt.Errorf("audit key: %w", err)
	}
	emitter := audit.NewEmitter(store.Dialect(), hmacKey, auditEnabled)

	var srv *ipc.Server
	notify := func(info manager.Info) {
		if srv != nil {
			srv.Notify(info)
		}
		metrics.Observe(int(info.Status), info.DBStatus == manager.DBOffline, info.FailoverDelay)
		if info.Error != "" {
			logger.Printf("manager error: %s", info.Error)
		}
	}

	mgr := manager.New(store, emitter, manager.Config{
		Name: name, Address: address, Port: port, TickPeriod: tickPeriod,
	}, notify, logger)

	srv = ipc.NewServer(mgr, heartbeat, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx, socketPath) }()
	if debugAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, debugAddr); err != nil {
				errCh <- err
			}
		}()
	}
	go func() { errCh <- mgr.Run(ctx) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return mgr.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// exitCodeFor maps a startup/run error to the process exit code external
// tooling watches for (spec §6): 1 for ordinary failures, 2 for a fatal
// lease-engine condition (session takeover, admission rejected, a row
// disappearing mid-transaction) surfaced all the way to main.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if haerr.IsFatal(err) {
		return 2
	}
	return 1
}
