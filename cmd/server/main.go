/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the SQL store (SQLite or MySQL) and migrate
  3. Optional: Redis availability cache, RabbitMQ event publisher,
     payment gateway client
  4. Create booking service, API handler and router
  5. Start the choice timeout scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close broker, cache and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/booking.db"

  # Run against MySQL with Redis and RabbitMQ
  DB_DRIVER=mysql DB_DSN="booking:secret@tcp(db:3306)/booking" \
  REDIS_URL=redis://cache:6379/0 AMQP_URL=amqp://guest:guest@mq:5672/ \
  GATEWAY_URL=https://payments.internal ./server

SEE ALSO:
  - config/config.go: All configuration keys
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/capacity"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/gateway"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/store/sqlstore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := cfg.Logger()
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	// Initialize store
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	opts := []booking.Option{
		booking.WithLogger(log),
		booking.WithMetrics(m),
	}

	// Availability cache
	rdb, err := cfg.Redis()
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		cache := capacity.NewCache(capacity.NewAggregator(store), rdb, cfg.CacheTTL, capacity.WithCacheLogger(log))
		opts = append(opts, booking.WithAvailabilityReader(cache), booking.WithInvalidator(cache))
		log.WithField("ttl", cfg.CacheTTL.String()).Info("availability cache enabled")
	}

	// Booking events
	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if cfg.AMQPURL != "" {
		amqpPub, err := notify.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publisher = amqpPub
		log.Info("publishing booking events to rabbitmq")
	}
	opts = append(opts, booking.WithPublisher(publisher))

	svc := booking.NewService(store, generic.SystemClock{}, opts...)

	// Payment gateway
	var refunder booking.Refunder
	if cfg.GatewayURL != "" {
		refunder = gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	} else {
		log.Warn("no GATEWAY_URL: card cancellations need a refund result in the request")
	}

	handler := api.NewHandler(svc, refunder, cfg.Currency, log)
	router := api.NewRouter(handler, m)

	scheduler := api.NewChoiceTimeoutScheduler(svc, refunder, log)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Timeout = cfg.ChoiceTimeout
	scheduler.Default = booking.Choice(cfg.ChoiceDefault)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + cfg.GatewayTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
