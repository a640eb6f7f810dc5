package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"survcam/camera"
	"survcam/storage"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	app := &cli.App{
		Name:    AppName,
		Usage:   "single camera streaming and recording controller",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: XDG config directory)",
				EnvVars: []string{"SURVCAM_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port, overrides the config file",
				EnvVars: []string{"SURVCAM_PORT"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "capture backend: auto, rpicam, v4l2, ffmpeg or pattern",
				EnvVars: []string{"SURVCAM_BACKEND"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	config, created, err := LoadOrCreateConfig(configPath)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		config.Port = c.Int("port")
	}
	if c.IsSet("backend") {
		config.Backend = c.String("backend")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	logger := NewLogger(c.Bool("debug"), config.LogFile)
	defer logger.Sync()

	if created {
		logger.Printf("Created default config at %s", configPath)
	}
	threshold, _ := config.StorageThresholdBytes()

	logger.Printf("Starting %s %s...", AppName, version)
	logger.Printf("Listening on port %d", config.Port)
	logger.Printf("Video directory: %s", config.VideoDir)
	logger.Printf("Storage threshold: %s free", units.BytesSize(float64(threshold)))

	// Hardware and storage faults at startup are fatal; a supervisor restarts the process.
	governor, err := storage.NewGovernor(config.VideoDir, threshold, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	source, backend, err := camera.NewSource(camera.SourceConfig{
		Backend: config.Backend,
		Device:  config.CameraDevice,
		Buffers: config.FrameBuffers,
		Initial: config.Profiles.Idle,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize camera: %v", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Printf("[WARN] Closing camera: %v", err)
		}
	}()

	controller := camera.NewController(camera.ControllerConfig{
		Source:          source,
		Broker:          camera.NewFrameBroker(source, config.BrokerTimeouts()),
		Governor:        governor,
		Dir:             config.VideoDir,
		SegmentDuration: config.SegmentDuration(),
		CaptureInterval: config.CaptureInterval(),
		ControlInterval: config.ControlInterval(),
		Profiles:        config.Profiles,
		Logger:          logger,
	})

	server := NewAPIServer(config, backend, controller, governor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.RunCapture(gctx) })
	g.Go(func() error { return controller.RunControl(gctx) })
	g.Go(func() error { return server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("Shutting down...")
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Printf("Stopped with error: %v", err)
		return err
	}
	logger.Printf("Shutdown complete")
	return nil
}
