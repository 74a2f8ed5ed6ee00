// cmd/aqiserver/main.go
package main

import (
	"context" // Need context for DB connection
	"errors"
	"net/http"
	"os"
	"os/signal" // For graceful shutdown
	"syscall"   // For system signals
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/api"
	"github.com/aleka07/airsense/go-air-quality/pkg/aqi"
	"github.com/aleka07/airsense/go-air-quality/pkg/buffer"
	"github.com/aleka07/airsense/go-air-quality/pkg/config"
	"github.com/aleka07/airsense/go-air-quality/pkg/feed"
	"github.com/aleka07/airsense/go-air-quality/pkg/logging"
	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
	"github.com/aleka07/airsense/go-air-quality/pkg/pipeline"
	"github.com/aleka07/airsense/go-air-quality/pkg/publish"
	"github.com/aleka07/airsense/go-air-quality/pkg/validator"
)

func main() {
	// --- Configuration ---
	cfg, err := config.Load(context.Background())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	log.Info("Starting air quality API server...")

	// --- Create Dependencies ---
	// Context for initialization tasks
	initCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+10*time.Second)
	defer cancel()

	store, err := persistence.Open(initCtx, persistence.Options{
		Backend:        cfg.StoreBackend,
		DSN:            cfg.DatabaseDSN,
		SQLitePath:     cfg.SQLitePath,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	// Defer closing the store until main() exits
	defer store.Close()

	if cfg.SensorsFile != "" {
		trackSensors(initCtx, store, cfg.SensorsFile, log)
	}

	hub := publish.NewHub(log)
	defer hub.Close()
	publishers := publish.Multi{hub}
	if cfg.MQTTBrokerURL != "" {
		mq, err := publish.DialMQTT(publish.MQTTConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MQTT broker")
		}
		defer mq.Close()
		publishers = append(publishers, mq)
	}

	v := validator.New(cfg.DivergenceThreshold)
	calc := aqi.NewCalculator(v.Usable)
	calc.SpanLength = cfg.WindowSpan
	calc.Spans = cfg.WindowSpans
	calc.MinReadings = cfg.SpanMinReadings
	calc.RequiredSpans = cfg.RequiredSpans
	calc.Correction = aqi.Correction(cfg.PM25Correction)

	pass := pipeline.New(pipeline.Deps{
		Sensors:   store,
		Results:   store,
		Buffers:   buffer.NewManager(store, cfg.BufferSize, cfg.BufferClaimTTL, log),
		Feed: feed.NewClient(feed.ClientConfig{
			LookupURL:  cfg.SensorLookupURL,
			ChannelURL: cfg.ChannelFeedURL,
			Timeout:    cfg.FeedTimeout,
			Retries:    cfg.FeedRetries,
		}, log),
		Validator:  v,
		Calculator: calc,
		Publisher:  publishers,
		Log:        log,
	}, cfg.MaxConcurrentSensors)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	scheduler := pipeline.NewScheduler(pass, cfg.TickInterval, cfg.PassTimeout, log)
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Run(runCtx)
		close(schedulerDone)
	}()

	// --- Configure and Start Server ---
	server := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     api.NewRouter(api.NewAPI(store, hub, log)),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Channel to listen for server errors
	serverErrors := make(chan error, 1)

	// Start the server in a goroutine
	go func() {
		log.WithField("port", cfg.APIPort).Info("Server listening")
		serverErrors <- server.ListenAndServe()
	}()

	// --- Graceful Shutdown ---
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM) // Listen for Ctrl+C or kill

	// Block until either a server error or a shutdown signal is received
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server error")
		}
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("Shutdown signal received, starting graceful shutdown")

		// Create a context with timeout for shutdown
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()

		// Attempt to gracefully shut down the server
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful server shutdown failed")
			// Force close if shutdown fails
			if closeErr := server.Close(); closeErr != nil {
				log.WithError(closeErr).Error("Server Close() failed")
			}
		} else {
			log.Info("Server shutdown complete")
		}
	}

	// Let the in-flight pass finish before the store closes.
	stopRun()
	<-schedulerDone
	log.Info("Application shutdown finished")
}

// trackSensors adds the sensors listed in the YAML file; already tracked ones are left alone.
func trackSensors(ctx context.Context, store persistence.SensorStore, path string, log logrus.FieldLogger) {
	ids, err := config.LoadSensors(path)
	if err != nil {
		log.WithError(err).Fatal("Failed to load sensors file")
	}
	for _, id := range ids {
		err := store.AddSensor(ctx, &model.TrackedSensor{SensorID: id, CreatedAt: time.Now().UTC()})
		switch {
		case err == nil:
			log.WithField("sensor_id", id).Info("Tracking sensor from sensors file")
		case errors.Is(err, persistence.ErrConflict):
		default:
			log.WithError(err).WithField("sensor_id", id).Warn("Failed to track sensor from sensors file")
		}
	}
}
