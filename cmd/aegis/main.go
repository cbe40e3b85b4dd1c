package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-rbac/aegis-console/internal/app"
	"github.com/aegis-rbac/aegis-console/internal/assignments"
	"github.com/aegis-rbac/aegis-console/internal/auth"
	"github.com/aegis-rbac/aegis-console/internal/observability"
	"github.com/aegis-rbac/aegis-console/internal/permissions"
	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/roles"
	"github.com/aegis-rbac/aegis-console/internal/shared"
	"github.com/aegis-rbac/aegis-console/internal/users"
	"github.com/aegis-rbac/aegis-console/internal/view"
	"github.com/aegis-rbac/aegis-console/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "aegis_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	api := apiclient.New(apiclient.Config{BaseURL: cfg.APIBaseURL, Timeout: cfg.APITimeout}, logger, metrics)
	rbacService := rbac.NewService(api)
	rbacStore := rbac.NewStore(rbacService, logger)
	rbacMiddleware := rbac.Middleware{Store: rbacStore, Templates: templates, Logger: logger, Metrics: metrics}

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	authHandler := auth.NewHandler(logger, rbacStore, templates, sessionManager, csrfManager)
	usersHandler := users.NewHandler(logger, rbacService, templates, csrfManager, sessionManager, rbacMiddleware)
	rolesHandler := roles.NewHandler(logger, rbacService, templates, csrfManager, sessionManager, rbacMiddleware)
	permissionsHandler := permissions.NewHandler(logger, rbacService, templates, csrfManager, sessionManager, rbacMiddleware)
	assignmentsHandler := assignments.NewHandler(logger, rbacService, rbacStore, templates, csrfManager, sessionManager, rbacMiddleware, jobClient)
	snapshotHandler := rbac.NewSnapshotHandler(logger, rbacStore)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permissionsHandler,
		AssignmentsHandler: assignmentsHandler,
		SnapshotHandler:    snapshotHandler,
		JobHandler:         jobHandler,
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
