package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/audit"
	"github.com/gluk-w/claworc/fleetd/internal/config"
	"github.com/gluk-w/claworc/fleetd/internal/database"
	"github.com/gluk-w/claworc/fleetd/internal/fanout"
	"github.com/gluk-w/claworc/fleetd/internal/handlers"
	"github.com/gluk-w/claworc/fleetd/internal/inventory"
	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/resolver"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
	"github.com/gluk-w/claworc/fleetd/internal/transport"
)

func main() {
	if err := config.Load(); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logging.Init()
	log := logging.Component("main")

	inv, err := inventory.Load(config.Cfg.InventoryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("inventory")
	}
	res, err := newResolver(config.Cfg, inv)
	if err != nil {
		log.Fatal().Err(err).Msg("resolver")
	}

	dialer, err := transport.NewSSHDialer(transport.Credentials{
		Password:       config.Cfg.SSHPassword,
		KeyPath:        config.Cfg.SSHKeyPath,
		KeyPassphrase:  config.Cfg.SSHKeyPassphrase,
		UseAgent:       config.Cfg.SSHUseAgent,
		KnownHostsPath: config.Cfg.KnownHosts,
	}, config.Cfg.ConnectTimeout, logging.Component("transport"))
	if err != nil {
		log.Fatal().Err(err).Msg("ssh credentials")
	}
	defer dialer.Close()
	if dialer.Insecure() {
		log.Warn().Msg("FLEETD_KNOWN_HOSTS is not set, host keys are not verified")
	}

	if err := database.Init(); err != nil {
		log.Fatal().Err(err).Msg("audit database")
	}
	defer database.Close()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loop := reactor.New(logging.Component("loop"))
	go loop.Run(loopCtx)

	pool := sshpool.New(loop, dialer, res, sshpool.Options{
		MaxConnections: config.Cfg.MaxConnections,
		ExpireInterval: config.Cfg.ExpireInterval,
		ConnectTimeout: config.Cfg.ConnectTimeout,
		DefaultUser:    config.Cfg.DefaultUser,
		DefaultPort:    config.Cfg.SSHPort,
		Logger:         logging.Component("pool"),
	})
	logStateChanges(pool, logging.Component("pool"))

	auditor := audit.New(database.DB, config.Cfg.AuditRetentionDays, logging.Component("audit"))
	if err := loop.Do(context.Background(), func() { pool.OnEvent(auditor.PoolEvent) }); err != nil {
		log.Fatal().Err(err).Msg("subscribe audit")
	}
	sessions := fanout.NewManager(loop, pool, auditor, logging.Component("session"))

	handlers.Loop = loop
	handlers.Pool = pool
	handlers.Sessions = sessions
	handlers.Inventory = inv
	handlers.AuditLog = auditor

	jobs, err := scheduleJobs(sessions, auditor, config.Cfg.SessionIdleTimeout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("schedule jobs")
	}
	jobs.Start()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(config.Cfg.APIToken),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Int("max_connections", config.Cfg.MaxConnections).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutting down")

	<-jobs.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown")
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pool shutdown")
	}
	auditor.Close()
	stopLoop()
	<-loop.Done()
	log.Info().Msg("server stopped")
}

// newResolver builds the configured resolver with inventory addresses in
// front of it.
func newResolver(cfg config.Settings, inv *inventory.Inventory) (resolver.Resolver, error) {
	var next resolver.Resolver = resolver.System{}
	if cfg.Resolver == "dns" {
		d, err := resolver.NewDNS(cfg.DNSServers, logging.Component("dns"))
		if err != nil {
			return nil, err
		}
		next = d
	}
	overrides := inv.Overrides()
	if len(overrides) == 0 {
		return next, nil
	}
	return resolver.Overrides{Hosts: overrides, Next: next}, nil
}

// logStateChanges reports every connection state change at debug level.
func logStateChanges(pool *sshpool.Pool, log zerolog.Logger) {
	pool.States().OnStateChange(func(key string, from, to sshpool.ConnectionState) {
		log.Debug().Str("key", logging.Sanitize(key)).Stringer("from", from).Stringer("to", to).Msg("state change")
	})
}

// scheduleJobs registers the housekeeping jobs: reaping idle sessions every
// minute and purging expired audit entries once a day.
func scheduleJobs(sessions *fanout.Manager, auditor *audit.Auditor, idle time.Duration, log zerolog.Logger) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := sessions.CleanupIdle(ctx, idle)
		if err != nil {
			log.Error().Err(err).Msg("idle session cleanup")
			return
		}
		if n > 0 {
			log.Info().Int("removed", n).Msg("removed idle sessions")
		}
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@daily", func() {
		n, err := auditor.PurgeOlderThan(auditor.RetentionDays())
		if err != nil {
			log.Error().Err(err).Msg("audit purge")
			return
		}
		log.Info().Int64("deleted", n).Int("retention_days", auditor.RetentionDays()).Msg("purged audit logs")
	}); err != nil {
		return nil, err
	}
	return c, nil
}
