package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/config"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/database"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/logging"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/mail"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/reconcile"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/registration"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/server"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/visits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// application holds the components shared by every subcommand.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	legacy   *directory.LegacyBackend
	split    *directory.SplitBackend
	queue    reconcile.Queue
	store    *directory.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func()
}

type openOptions struct {
	// bothLayouts opens the legacy and new layouts whatever the mode.
	bothLayouts bool
}

func openApplication(ctx context.Context, options openOptions) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, Console: logConsole})
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}
	app.closers = append(app.closers, func() { _ = logger.Sync() })

	if err := app.open(ctx, options); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) open(ctx context.Context, options openOptions) error {
	db, err := database.OpenSQLite(a.config.DatabasePath, a.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = sqlDB.Close() })

	if options.bothLayouts || a.config.Mode != directory.ModeNewOnly {
		a.legacy, err = directory.NewLegacyBackend(directory.LegacyBackendConfig{
			Database: db,
			Table:    a.config.LegacyTable,
		})
		if err != nil {
			return err
		}
	}
	if options.bothLayouts || a.config.Mode != directory.ModeLegacyOnly {
		a.split, err = directory.NewSplitBackend(directory.SplitBackendConfig{
			Database:   db,
			UserTable:  a.config.UserTable,
			VisitTable: a.config.VisitTable,
		})
		if err != nil {
			return err
		}
	}

	targets := database.Targets{}
	if a.legacy != nil {
		targets.LegacyTable = a.legacy.Table()
	}
	if err := database.ApplyMigrations(db, targets, a.logger); err != nil {
		return err
	}

	if err := a.openQueue(ctx); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return err
	}

	storeConfig := directory.StoreConfig{
		Mode: a.config.Mode,
		Retry: directory.RetryPolicy{
			Budget:  a.config.RetryBudget,
			Initial: a.config.RetryInitial,
		},
		CallTimeout: a.config.CallTimeout,
		Pending:     a.queue,
		Logger:      a.logger,
		Metrics:     a.metrics,
	}
	if a.legacy != nil {
		storeConfig.Legacy = a.legacy
	}
	if a.split != nil {
		storeConfig.Split = a.split
	}
	a.store, err = directory.NewStore(storeConfig)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Wait)
	return nil
}

func (a *application) openQueue(ctx context.Context) error {
	switch a.config.ReconcileQueue {
	case config.QueueRedis:
		client, err := reconcile.OpenRedis(ctx, a.config.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		queue, err := reconcile.NewRedisQueue(client, a.config.RedisKey)
		if err != nil {
			return err
		}
		a.queue = queue
	default:
		queue, err := reconcile.NewDatabaseQueue(a.db, "")
		if err != nil {
			return err
		}
		a.queue = queue
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *application) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
}

func (a *application) newMailSender() (mail.Sender, error) {
	if a.config.MailTransport != config.MailTransportKafka {
		return mail.NewLogSender(a.logger), nil
	}
	sender, err := mail.NewKafkaSender(mail.KafkaSenderConfig{
		Brokers: a.config.KafkaBrokers,
		Topic:   a.config.KafkaMailTopic,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sender.Close)
	return sender, nil
}

func (a *application) newReconciler() (*reconcile.Reconciler, error) {
	return reconcile.New(reconcile.Config{
		Queue:     a.queue,
		Directory: a.store,
		Interval:  a.config.ReconcileInterval,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

func (a *application) newHandler() (http.Handler, error) {
	issuer, err := invite.NewIssuer(invite.IssuerConfig{
		SigningSecret: []byte(a.config.InviteSigningSecret),
		TTL:           a.config.InviteTTL,
	})
	if err != nil {
		return nil, err
	}
	composer, err := mail.NewComposer(mail.ComposerConfig{
		Sender:          a.config.MailSender,
		ReplyTo:         a.config.MailReplyTo,
		RecipientDomain: a.config.MailRecipientDomain,
		BaseURL:         a.config.DomainName,
	})
	if err != nil {
		return nil, err
	}
	sender, err := a.newMailSender()
	if err != nil {
		return nil, err
	}

	visitService, err := visits.NewService(visits.ServiceConfig{
		Directory:   a.store,
		Invites:     issuer,
		Composer:    composer,
		Mailer:      sender,
		DedupWindow: a.config.DedupWindow,
		MailTimeout: a.config.MailTimeout,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}
	registrationService, err := registration.NewService(registration.ServiceConfig{
		Directory: a.store,
		Verifier:  issuer,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}

	return server.NewHTTPHandler(server.Dependencies{
		Visits:         visitService,
		Registrations:  registrationService,
		AllowedOrigin:  a.config.DomainName,
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		Logger:         a.logger,
	})
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(signalCtx, openOptions{})
	if err != nil {
		return err
	}
	defer app.close()

	handler, err := app.newHandler()
	if err != nil {
		return err
	}

	if app.store.Mode() == directory.ModeDualWrite {
		reconciler, err := app.newReconciler()
		if err != nil {
			return err
		}
		reconcilerDone := make(chan struct{})
		go func() {
			defer close(reconcilerDone)
			reconciler.Run(signalCtx)
		}()
		// Runs before app.close so a drain in flight finishes against an open queue.
		defer func() {
			stop()
			<-reconcilerDone
		}()
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.String("mode", string(app.config.Mode)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
