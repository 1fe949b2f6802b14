package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
	"github.com/gofiber/fiber/v2"
)

// ErrNoServersConfigured indicates no HTTP server was configured.
var ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer()")

// DefaultShutdownTimeout bounds the HTTP drain and each shutdown hook.
const DefaultShutdownTimeout = 30 * time.Second

// Shutdowner is a component released during graceful shutdown.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownerFunc adapts a function to Shutdowner.
type ShutdownerFunc func(ctx context.Context) error

// Shutdown calls f.
func (f ShutdownerFunc) Shutdown(ctx context.Context) error { return f(ctx) }

type shutdownHook struct {
	name string
	fn   Shutdowner
}

// ServerManager handles the graceful shutdown of the engine process.
type ServerManager struct {
	httpServer         *fiber.App
	httpAddress        string
	hooks              []shutdownHook
	logger             log.Logger
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	shutdownErr        error
	startupErrors      chan error
}

var _ settlement.App = (*ServerManager)(nil)

// NewServerManager creates a ServerManager. A nil logger is replaced by a
// no-op logger.
func NewServerManager(logger log.Logger) *ServerManager {
	return &ServerManager{
		logger:          log.OrNop(logger).With(log.Component("server")),
		serversStarted:  make(chan struct{}),
		shutdownTimeout: DefaultShutdownTimeout,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the HTTP server.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownHook registers s to run after the HTTP server stopped. Hooks
// run in registration order.
func (sm *ServerManager) WithShutdownHook(name string, s Shutdowner) *ServerManager {
	if s != nil {
		sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: s})
	}

	return sm
}

// WithShutdownChannel replaces OS signals with ch as the shutdown trigger.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the HTTP drain and each hook. Defaults to 30s.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// ServersStarted is closed once the server goroutine was launched. It does not
// mean the socket is bound.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Run implements settlement.App.
func (sm *ServerManager) Run(_ *settlement.Launcher) error {
	return sm.StartWithGracefulShutdownWithError()
}

// StartWithGracefulShutdownWithError starts the HTTP server and blocks until a
// termination signal, the shutdown channel or a startup failure. The returned
// error joins the startup failure with any shutdown errors.
func (sm *ServerManager) StartWithGracefulShutdownWithError() error {
	if sm.httpServer == nil {
		return ErrNoServersConfigured
	}

	sm.startServers()

	startupErr := sm.waitForShutdown()

	sm.logInfo("gracefully shutting down")
	sm.executeShutdown()

	return errors.Join(startupErr, sm.shutdownErr)
}

func (sm *ServerManager) startServers() {
	runtime.SafeGoWithContextAndComponent(
		context.Background(),
		sm.logger,
		"server",
		"start_http_server",
		runtime.KeepRunning,
		func(_ context.Context) {
			sm.logInfo("starting HTTP server", log.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				sm.logError("HTTP server error", err)

				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		},
	)

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) waitForShutdown() error {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
			return nil
		case err := <-sm.startupErrors:
			sm.logError("server startup failed", err)
			return err
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		sm.logInfo("received signal", log.String("signal", sig.String()))
		return nil
	case err := <-sm.startupErrors:
		sm.logError("server startup failed", err)
		return err
	}
}

// executeShutdown runs once: HTTP, hooks, logger sync.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		var errs []error

		if sm.httpServer != nil {
			sm.logInfo("shutting down HTTP server")

			if err := sm.httpServer.ShutdownWithTimeout(sm.shutdownTimeout); err != nil {
				sm.logError("error during HTTP server shutdown", err)
			}
		}

		for _, hook := range sm.hooks {
			sm.logInfo("shutting down component", log.String("hook", hook.name))

			ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
			err := hook.fn.Shutdown(ctx)

			cancel()

			if err != nil {
				sm.logError("error during component shutdown", err, log.String("hook", hook.name))
				errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			}
		}

		sm.logInfo("graceful shutdown completed")

		if err := sm.logger.Sync(context.Background()); err != nil {
			sm.logError("failed to sync logger", err)
		}

		sm.shutdownErr = errors.Join(errs...)
	})
}

func (sm *ServerManager) logInfo(msg string, fields ...log.Field) {
	sm.logger.Log(context.Background(), log.LevelInfo, msg, fields...)
}

func (sm *ServerManager) logError(msg string, err error, fields ...log.Field) {
	sm.logger.Log(context.Background(), log.LevelError, msg, append(fields, log.Err(err))...)
}
