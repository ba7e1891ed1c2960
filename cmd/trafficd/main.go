package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/api"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/auth"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/capture"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/config"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/database"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/detection"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/livestream"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/overlay"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/telemetry"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/tracking"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/ws"
)

func main() {
	// Define command line flags. Flags override the configuration file and
	// the environment.
	var (
		configF   = flag.String("config", "", "Path to a YAML configuration file")
		hostF     = flag.String("host", "", "Server host (overrides server.host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides server.port)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[trafficd] ", log.Ltime)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if *hostF != "" {
		cfg.Server.Host = *hostF
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil {
			logger.Fatalf("invalid http-port %q: %v", *httpPortF, err)
		}
		cfg.Server.Port = port
	}
	debug := *dbgF || cfg.Server.Debug

	// Storage
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Telemetry sinks
	sink, closeSinks, err := buildSink(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatalf("failed to set up telemetry: %v", err)
	}
	defer closeSinks()

	// Detection pipeline
	detector, err := detection.New(cfg.Detector)
	if err != nil {
		logger.Fatalf("failed to create detector: %v", err)
	}
	defer detector.Close()

	events := pipeline.NewEventBus()
	defer events.Close()

	p, err := pipeline.New(cfg.PipelineConfig(), pipeline.Dependencies{
		Open:      capture.Opener(cfg.CaptureOptions()),
		Detector:  detector,
		Tracker:   tracking.NewByteTrack(cfg.Tracker),
		Sink:      sink,
		Annotator: overlay.NewAnnotator(),
		Events:    events,
	})
	if err != nil {
		logger.Fatalf("failed to create pipeline: %v", err)
	}

	svc := livestream.NewService(livestream.Config{
		Sources:      cfg.Camera.Sources,
		ProbeTimeout: cfg.Camera.ProbeTimeout,
		JPEGQuality:  cfg.Stream.JPEGQuality,
	}, p, capture.Probe, db)
	defer svc.Shutdown()

	authenticator, err := auth.NewAuthenticator(cfg.Auth, nil)
	if err != nil {
		logger.Fatalf("failed to set up authentication: %v", err)
	}

	hub := ws.NewDetectionHub()
	defer hub.Close()

	server := api.New(api.Dependencies{
		Livestream: svc,
		Auth:       authenticator,
		History:    db,
		Database:   db,
		Detector:   detector,
		Hub:        hub,
		StreamFPS:  cfg.Stream.FPS,
	})

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler so that SIGINT and SIGTERM signals cause the
	// services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	// Push detections and vehicle events to dashboard sockets
	vehicleEvents, unsubscribe := events.SubscribeChannel(64, pipeline.EventCounted, pipeline.EventExited)
	defer unsubscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, cfg.Stream.DetectionInterval, server.Snapshot, vehicleEvents)
	}()

	addr := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	u, err := url.Parse(addr)
	if err != nil {
		logger.Fatalf("invalid URL %#v: %s\n", addr, err)
	}
	handleHTTPServer(ctx, u, server, &wg, errc, logger, debug)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Stop the pipeline before tearing down the servers so queued
	// telemetry is drained.
	svc.Shutdown()

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Println("exited")
}

// buildSink assembles the configured telemetry sinks. The returned func
// disconnects any broker client.
func buildSink(ctx context.Context, cfg config.Config, db *database.Database, logger *log.Logger) (pipeline.TelemetrySink, func(), error) {
	var (
		sinks   telemetry.Fanout
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range cfg.Telemetry.Sinks {
		switch name {
		case config.SinkSQLite:
			sinks = append(sinks, telemetry.NewSQLiteSink(db))
		case config.SinkMQTT:
			mqttSink, client, err := telemetry.ConnectMQTT(ctx, cfg.Telemetry.MQTT)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() { client.Disconnect(250) })
			sinks = append(sinks, mqttSink)
		case config.SinkLog:
			sinks = append(sinks, telemetry.NewLogSink(logger))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown telemetry sink %q", name)
		}
		logger.Printf("telemetry sink enabled: %s", name)
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}
