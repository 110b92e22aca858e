package billingbackend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/lunaria-app/entitlement-engine/internal/cache"
	"github.com/lunaria-app/entitlement-engine/internal/config"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sessiontoken"
	"github.com/lunaria-app/entitlement-engine/internal/migrations"
	"github.com/lunaria-app/entitlement-engine/internal/rabbitmq"
	entitlementservice "github.com/lunaria-app/entitlement-engine/internal/services/entitlement"
	"github.com/lunaria-app/entitlement-engine/internal/storage/repository"
	"github.com/lunaria-app/entitlement-engine/internal/verifier/apple"
	"github.com/lunaria-app/entitlement-engine/internal/verifier/google"
)

type App struct {
	server     *http.Server
	logger     *slog.Logger
	db         *repository.Storage
	rabbitConn *amqp.Connection
	rabbitCh   *amqp.Channel
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, "./migrations"); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	rabbitConn, err := rabbitmq.Connect(cfg.RabbitConnectionString, 5, 3*time.Second)
	if err != nil {
		return nil, err
	}
	rabbitCh, err := rabbitmq.SetupChannel(rabbitConn, []rabbitmq.QueueConfig{
		{QueueName: "entitlement-updated", RoutingKey: rabbitmq.RoutingKeyUpdated},
		{QueueName: "entitlement-revoked", RoutingKey: rabbitmq.RoutingKeyRevoked},
	})
	if err != nil {
		return nil, err
	}
	publisher := rabbitmq.NewPublisher(rabbitCh)

	appleVerifier, err := apple.New(cfg.Apple, logger)
	if err != nil {
		return nil, err
	}
	googleVerifier, err := google.New(cfg.Google, logger)
	if err != nil {
		return nil, err
	}

	maker := sessiontoken.NewMaker(cfg.SessionToken.SecretKey, cfg.SessionToken.TokenTTL)

	entitlementService := entitlementservice.New(db, cacheRedis, appleVerifier, googleVerifier,
		publisher, cfg.Google.PackageName, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, maker, entitlementService)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:     srv,
		logger:     logger,
		db:         db,
		rabbitConn: rabbitConn,
		rabbitCh:   rabbitCh,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		_ = a.rabbitCh.Close()
		_ = a.rabbitConn.Close()
		a.db.DB.Close()
		return err
	}
}
