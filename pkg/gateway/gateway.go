package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apiv1 "github.com/cheatcode-dev/sandboxd/pkg/api/v1"
	"github.com/cheatcode-dev/sandboxd/pkg/common"
	"github.com/cheatcode-dev/sandboxd/pkg/provider"
	"github.com/cheatcode-dev/sandboxd/pkg/repository"
	"github.com/cheatcode-dev/sandboxd/pkg/sandbox"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	ProjectRepo repository.ProjectRepository
	Provider    provider.Client
	Controller  *sandbox.StateController
	Registry    *sandbox.Registry
	Pool        *sandbox.Pool

	httpServer     *http.Server
	ctx            context.Context
	cancelFunc     context.CancelFunc
	baseRouteGroup *echo.Group
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()
	configureLogger(config)

	redisClient, err := common.NewRedisClient(config.Database.Redis, common.WithClientName("SandboxdGateway"))
	if err != nil {
		return nil, err
	}

	projectRepo, err := repository.NewProjectPostgresRepository(config.Database.Postgres)
	if err != nil {
		return nil, err
	}

	providerClient := provider.NewRestClient(config.Provider)
	controller := sandbox.NewStateController(config.Sandbox, providerClient, redisClient)
	registry := sandbox.NewRegistry(providerClient, redisClient)
	pool := sandbox.NewPool(config.Pool, controller, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	gateway := &Gateway{
		Config:      config,
		RedisClient: redisClient,
		ProjectRepo: projectRepo,
		Provider:    providerClient,
		Controller:  controller,
		Registry:    registry,
		Pool:        pool,
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	if err := gateway.initHttp(); err != nil {
		return nil, err
	}

	return gateway, nil
}

func configureLogger(config types.AppConfig) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.DebugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05"})
	}
}

func (g *Gateway) initHttp() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	configureEchoLogger(e, g.Config.PrettyLogs)
	e.Use(middleware.CORS())
	e.Use(middleware.Recover())

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.Host, g.Config.Gateway.HTTPPort),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)

	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient)
	apiv1.NewSandboxGroup(g.baseRouteGroup.Group("/sandbox"), g.Config, g.Controller, g.Registry, g.Pool, g.ProjectRepo)

	return nil
}

// Gateway entry point
func (g *Gateway) Start() error {
	g.Pool.Start(g.ctx)

	go func() {
		lis, err := net.Listen("tcp", g.httpServer.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to listen")
		}

		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	log.Info().Int("port", g.Config.Gateway.HTTPPort).Msg("gateway http server running")

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal
	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// shutdown drains the http server, stops the pool maintenance loop, and
// closes the store connections. Blocking.
func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.Config.Gateway.ShutdownTimeout)
	defer cancel()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	g.Pool.Stop()
	g.cancelFunc()

	if err := g.RedisClient.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close redis client")
	}
}
