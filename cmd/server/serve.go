package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/novamd/bridge-server-go/internal/commands"
	"github.com/novamd/bridge-server-go/internal/config"
	"github.com/novamd/bridge-server-go/internal/database"
	"github.com/novamd/bridge-server-go/internal/handler"
	"github.com/novamd/bridge-server-go/internal/jobs"
	"github.com/novamd/bridge-server-go/internal/metrics"
	"github.com/novamd/bridge-server-go/internal/middleware"
	"github.com/novamd/bridge-server-go/internal/notifier"
	"github.com/novamd/bridge-server-go/internal/pairing"
	"github.com/novamd/bridge-server-go/internal/redis"
	"github.com/novamd/bridge-server-go/internal/registry"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/resource"
	"github.com/novamd/bridge-server-go/internal/service"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/sse"
	"github.com/novamd/bridge-server-go/internal/timers"
	"github.com/novamd/bridge-server-go/internal/update"
)

func buildServeCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and restore persistent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on startup")
	return cmd
}

func runServe(skipMigrations bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	production := isProduction()
	if err := cfg.Validate(production); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !skipMigrations {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		log.Info().Msg("migrations applied")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		cancel()
		return fmt.Errorf("ping database: %w", err)
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	codeRepo := repository.NewAccessCodeRepository(db.DB)
	subRepo := repository.NewSubscriptionRepository(db.DB)
	trialRepo := repository.NewTrialRepository(db.DB)
	prefRepo := repository.NewPreferenceRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	auditRepo := repository.NewPairingAuditRepository(db.DB)
	userRepo := repository.NewUserRepository(db.DB)

	m := metrics.New()

	broker := sse.NewBroker(redisClient)
	broker.SetClientGauge(m.SetSSEClients)
	defer broker.Close()

	outbound, direct := buildNotifiers(cfg)

	monitor := resource.NewMonitor(resource.NewHostSampler(cfg.MaxMemoryBytes()), resource.Options{
		MemoryWarning:    cfg.MemoryWarningRatio,
		MemoryCritical:   cfg.MemoryCriticalRatio,
		CPULimit:         cfg.CPUAdmitLimit,
		Interval:         cfg.ResourceSampleInterval(),
		HistorySize:      cfg.ResourceHistorySize,
		CreatesPerMinute: cfg.SessionCreatePerMinute,
		Metrics:          m,
	})
	monitor.Start()
	defer monitor.Stop()

	accessService := service.NewAccessService(
		db, codeRepo, subRepo, trialRepo,
		service.NewRateLimiter(redisClient.Client, "redeem"),
		cfg.TrialWindow(),
	)
	prefService := service.NewPreferenceService(prefRepo)

	baseCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if err := prefService.Reload(baseCtx); err != nil {
		log.Warn().Err(err).Msg("failed to preload preferences")
	}

	catalog := commands.NewCatalog(commands.Options{Dir: cfg.CommandsDir})
	if err := catalog.Reload(baseCtx); err != nil {
		log.Warn().Err(err).Msg("failed to load custom commands")
	}
	if err := catalog.Watch(baseCtx); err != nil {
		log.Warn().Err(err).Str("dir", cfg.CommandsDir).Msg("custom commands will not hot reload")
	}
	defer catalog.Close()

	timerTable := timers.New()
	defer timerTable.Stop()
	pairer := pairing.NewService(
		socket.NewWhatsmeowFactory(),
		accessService,
		outbound,
		auditRepo,
		timerTable,
		m,
		pairing.Options{
			AuthRoot:       cfg.AuthRoot,
			ScratchRoot:    cfg.ScratchRoot,
			QRTimeout:      cfg.QRTimeout(),
			PairingTimeout: cfg.PairingTimeout(),
			SettleDelay:    cfg.PairingSettleDelay(),
		},
	)

	reg := registry.New(registry.Deps{
		Gate:       accessService,
		Admission:  monitor,
		Pairer:     pairer,
		Notifier:   outbound,
		Sessions:   sessionRepo,
		Prefs:      prefService,
		Dispatcher: catalog,
		Publisher:  broker,
		Timers:     timerTable,
		Metrics:    m,
	}, registry.Options{
		CommandPrefix:  cfg.CommandPrefix,
		ReconnectDelay: cfg.ReconnectDelay(),
		IdleTimeout:    cfg.IdleTimeout(),
		TrialMaxAge:    config.TrialSessionMaxAge,
	})
	defer reg.Close()

	restored, err := reg.RestoreSessions(baseCtx)
	if err != nil {
		log.Error().Err(err).Msg("failed to restore sessions")
	}
	log.Info().Int("count", restored).Msg("sessions restored")

	var updater handler.Updater
	if cfg.UpdateRepoURL != "" {
		orchestrator := buildOrchestrator(cfg, reg, outbound, m)
		for _, r := range []update.Reloadable{catalog, prefService} {
			if err := orchestrator.Register(r); err != nil {
				return err
			}
		}
		updater = orchestrator
	}

	cleanupJob := jobs.NewCleanupJob(reg, accessService, auditRepo, sessionRepo, jobs.Schedule{})
	if err := cleanupJob.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer cleanupJob.Stop()

	router := buildRouter(routerDeps{
		cfg:        cfg,
		production: production,
		metrics:    m,
		sessions: handler.NewSessionHandler(reg, monitor, handler.NewEventsHandler(broker, reg)).
			WithTimeout(config.ServerRequestTimeout),
		auth:    handler.NewAuthHandler(accessService),
		users:   handler.NewUserHandler(userRepo, accessService, prefService),
		notify:  handler.NewNotifyHandler(direct),
		limiter: service.NewRateLimiter(redisClient.Client, "redeem-ip"),
		admin: handler.NewAdminHandler(handler.AdminDeps{
			Access:    accessService,
			Sessions:  reg,
			Users:     userRepo,
			Resources: monitor,
			Updater:   updater,
			Commands:  catalog,
			Version:   config.Version,
		}),
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("version", config.Version).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}

// buildNotifiers returns the chain used for outgoing notifications and the
// chain used to relay bridge callbacks. The second never includes the
// webhook so a callback cannot bounce back to the bridge.
func buildNotifiers(cfg *config.Config) (outbound, direct notifier.Notifier) {
	var links notifier.Chain
	if cfg.TelegramBotToken != "" {
		tg, err := notifier.NewTelegram(cfg.TelegramBotToken, cfg.QRTimeoutSeconds/60, cfg.PairingTimeoutSeconds/60)
		if err != nil {
			log.Error().Err(err).Msg("telegram notifier disabled")
		} else {
			links = append(links, tg)
		}
	}

	directChain := append(notifier.Chain{}, links...)
	directChain = append(directChain, notifier.Log{})

	outboundChain := notifier.Chain{}
	if cfg.BridgeWebhookURL != "" {
		outboundChain = append(outboundChain, notifier.NewWebhook(cfg.BridgeWebhookURL, cfg.BridgeSignatureSecret))
	}
	outboundChain = append(outboundChain, directChain...)

	return outboundChain, directChain
}

func buildOrchestrator(cfg *config.Config, reg *registry.Registry, n notifier.Notifier, m *metrics.Metrics) *update.Orchestrator {
	var installer update.Installer
	if cfg.UpdateInstallCmd != "" {
		installer = update.ShellInstaller{Command: cfg.UpdateInstallCmd}
	}

	return update.NewOrchestrator(
		reg,
		update.GitFetcher{RepoURL: cfg.UpdateRepoURL, Branch: cfg.UpdateBranch},
		installer,
		n,
		m,
		update.Options{
			WorkDir:       cfg.UpdateWorkDir,
			StagingDir:    cfg.UpdateStagingDir,
			MutableDirs:   mutableDirs(cfg.UpdateWorkDir, cfg.AuthRoot, cfg.ScratchRoot, cfg.LogsDir, cfg.UpdateStagingDir),
			AdminIDs:      cfg.AdminIDs,
			FetchAttempts: config.UpdateFetchAttempts,
			FetchBackoff:  config.UpdateFetchBackoff,
		},
	)
}

// mutableDirs keeps the runtime directories that live inside workDir, as
// top-level names relative to it. Directories elsewhere are never touched by
// an update anyway.
func mutableDirs(workDir string, dirs ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(workDir, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		top := strings.Split(filepath.ToSlash(rel), "/")[0]
		if !seen[top] {
			seen[top] = true
			out = append(out, top)
		}
	}
	return out
}

type routerDeps struct {
	cfg        *config.Config
	production bool
	metrics    *metrics.Metrics
	sessions   *handler.SessionHandler
	auth       *handler.AuthHandler
	users      *handler.UserHandler
	admin      *handler.AdminHandler
	notify     *handler.NotifyHandler
	limiter    service.AttemptLimiter
}

func buildRouter(d routerDeps) http.Handler {
	adminAuth := middleware.NewAdminAuthMiddleware(d.cfg.AdminTokenHash)
	bridgeSignature := middleware.NewBridgeSignatureMiddleware(d.cfg.BridgeSignatureSecret)
	redeemLimit := middleware.NewIPRateLimitMiddleware(d.limiter, config.RedeemIPLimit, config.RedeemIPWindow, "redeem")
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(d.production)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimit.Handler)
	r.Use(securityHeaders.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"version":   config.Version,
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", d.metrics.Handler())

	r.Mount("/api/sessions", d.sessions.Routes())

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Mount("/api/auth", d.auth.Routes(redeemLimit.Handler))
		r.Mount("/api/users", d.users.Routes())

		r.Route("/api/notify", func(r chi.Router) {
			r.Use(bridgeSignature.Handler)
			r.Mount("/", d.notify.Routes())
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(adminAuth.Handler)
		r.Mount("/api/admin", d.admin.Routes())
		r.Get("/api/commands/info", d.admin.CommandsInfo)
	})

	return r
}
