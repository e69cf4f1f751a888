package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evs-camera-service/camera"
	"evs-camera-service/config"
	"evs-camera-service/pool"
	"evs-camera-service/view"
	"evs-camera-service/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "EVS Camera Service"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	enumerator *camera.Enumerator
	controller *view.Controller
	signals    *view.StaticSource
	poller     *view.Poller
	webServer  *web.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	logger, err := createLogger(*logLevel)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting EVS camera service",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("cameras", len(cfg.Cameras)),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.Int("default_frames", cfg.Pool.DefaultFrames))

	app := NewApplication(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	if err := a.initializeEnumerator(); err != nil {
		return fmt.Errorf("failed to initialize camera registry: %w", err)
	}

	a.initializeController(ctx)

	if err := a.initializeWebServer(); err != nil {
		return fmt.Errorf("failed to initialize web server: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("status_url", fmt.Sprintf("http://%s:%d/api/status", a.config.Server.BindIP, a.config.Server.WebPort)))

	return nil
}

// initializeEnumerator builds the camera registry from the configuration
func (a *Application) initializeEnumerator() error {
	a.logger.Info("Initializing camera registry")

	descs := make([]camera.CameraDescriptor, 0, len(a.config.Cameras))
	for _, cam := range a.config.Cameras {
		descs = append(descs, camera.CameraDescriptor{
			CameraID:   cam.ID,
			DevicePath: cam.Device,
			Width:      cam.Width,
			Height:     cam.Height,
			FPS:        cam.FPS,
			Format:     cam.Format,
			Serves:     cam.Serves,
		})
	}

	stopTimeout := time.Duration(a.config.Timeouts.DeviceStopTimeout) * time.Second
	factory := func(desc camera.CameraDescriptor) (camera.VideoDevice, error) {
		if desc.DevicePath == "synthetic" {
			return camera.NewSyntheticDevice(desc.CameraID, desc.Width, desc.Height, desc.FPS, a.logger), nil
		}
		format, err := camera.ParsePixelFormat(desc.Format)
		if err != nil {
			return nil, err
		}
		return camera.NewGStreamerDevice(desc.DevicePath, desc.Width, desc.Height, desc.FPS,
			format, stopTimeout, a.logger), nil
	}

	a.enumerator = camera.NewEnumerator(descs, factory, camera.FormatRGBA,
		a.config.Pool.DefaultFrames, a.logger.Named("enumerator"))

	a.logger.Info("Camera registry initialized", zap.Int("cameras", len(descs)))
	return nil
}

// initializeController wires the view state machine to the vehicle signals
// and the display sink
func (a *Application) initializeController(ctx context.Context) {
	a.logger.Info("Initializing view state controller")

	cameraForState := make(map[view.State]string)
	for state, name := range map[view.State]string{
		view.StateReverse: "reverse",
		view.StateLeft:    "left",
		view.StateRight:   "right",
	} {
		if id, ok := a.config.CameraForState(name); ok {
			cameraForState[state] = id
		} else {
			a.logger.Warn("No camera configured for vehicle state", zap.String("state", name))
		}
	}

	sink := newConsoleSink(a.logger.Named("display"))
	a.controller = view.NewController(a.enumerator, sink, cameraForState,
		a.config.View.CommandQueueSize, a.logger.Named("controller"))
	a.controller.Start(ctx)

	// Without a vehicle bus the signal source stays static; a real
	// deployment replaces this with a property service client.
	a.signals = view.NewStaticSource(view.SignalSnapshot{})
	interval := time.Duration(a.config.View.SignalPollIntervalMs) * time.Millisecond
	a.poller = view.NewPoller(a.signals, a.controller, interval, a.logger.Named("signals"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.poller.Run(a.ctx)
	}()
}

// initializeWebServer creates the diagnostics server
func (a *Application) initializeWebServer() error {
	a.logger.Info("Initializing diagnostics server")

	a.webServer = web.NewServer(a.config, a.logger.Named("web"))
	a.webServer.SetEnumerator(a.enumerator)
	a.webServer.SetController(a.controller)

	return a.webServer.Start()
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	a.cancel()

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}

	if a.controller != nil {
		a.controller.Stop()
	}

	if a.enumerator != nil {
		a.enumerator.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}

	return nil
}

// consoleSink is a stand-in display: it accepts frames and logs visibility
// changes. A production deployment puts the real display service behind
// the view.DisplaySink contract instead.
type consoleSink struct {
	logger *zap.Logger

	mu      sync.Mutex
	target  *pool.Buffer
	visible bool
	frames  uint64
}

func newConsoleSink(logger *zap.Logger) *consoleSink {
	return &consoleSink{logger: logger}
}

func (s *consoleSink) GetTargetBuffer() (camera.BufferDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		s.target = &pool.Buffer{Data: make([]byte, 4*1024*1024)}
	}
	return camera.BufferDescriptor{Buffer: s.target}, nil
}

func (s *consoleSink) ReturnTargetBufferForDisplay(desc camera.BufferDescriptor) error {
	s.mu.Lock()
	s.frames++
	frames := s.frames
	s.mu.Unlock()

	if frames%120 == 0 {
		s.logger.Debug("Frames displayed", zap.Uint64("count", frames))
	}
	return nil
}

func (s *consoleSink) SetVisible(visible bool) error {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()

	if changed {
		s.logger.Info("Display visibility changed", zap.Bool("visible", visible))
	}
	return nil
}

// createLogger creates a structured logger
func createLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	// Prepare log directory and file path
	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("evs-camera-service-%s.log", ts))

	// Clean up old logs (keep last 20 files)
	files, _ := filepath.Glob(filepath.Join(logDir, "evs-camera-service-*.log"))
	if len(files) > 20 {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-20] {
			_ = os.Remove(f)
		}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return cfg.Build()
}
