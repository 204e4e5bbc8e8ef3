// Package api wires together the client and admin HTTP APIs
package api

import (
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/api/apiadmin"
	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/api/apipayments"
	"gitlab.com/arcanecrypto/lnbank/api/apiusers"
	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/api/validation"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("API")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level requests are logged at
	LogLevel logrus.Level
	// The Bitcoin blockchain network we're on
	Network *chaincfg.Params
	// CorsOrigins are the origins browsers may call the client API from
	CorsOrigins []string
	// RequestsPerSecond and Burst limit how often each identity can call
	// the client API. Zero means the defaults.
	RequestsPerSecond float64
	Burst             int
}

// Deps are the services the client API serves
type Deps struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Events   *events.Bus
	Metrics  *metrics.Metrics
}

// RestServer is a HTTP server for our app
type RestServer struct {
	Router *gin.Engine
}

func getCorsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	}
	return config
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our APIs. This includes recovering from panics, logging with Logrus and
// recording request metrics.
func getGinEngine(config Config, m *metrics.Metrics) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, config.LogLevel))

	engine.Use(m.GinMiddleware())

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))

	engine.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	engine.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})
	return engine
}

func registerValidators(network *chaincfg.Params) error {
	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf(
			"gin validator engine (%T) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators, err := validation.RegisterAllValidators(engine, network)
	if err != nil {
		return err
	}
	log.Debugf("Registered custom validators: %s", validators)
	return nil
}

// NewApp creates the client API
func NewApp(config Config, deps Deps) (RestServer, error) {
	if config.Network == nil {
		return RestServer{}, errors.New("config.Network is not set")
	}
	if deps.Registry == nil || deps.Tracker == nil || deps.Events == nil {
		return RestServer{}, errors.New("registry, tracker and events are required")
	}
	if err := registerValidators(config.Network); err != nil {
		return RestServer{}, err
	}

	perSecond, burst := config.RequestsPerSecond, config.Burst
	if perSecond <= 0 {
		perSecond = auth.DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = auth.DefaultBurst
	}

	g := getGinEngine(config, deps.Metrics)
	g.Use(cors.New(getCorsConfig(config.CorsOrigins)))

	authmiddleware := auth.GetMiddleware(auth.NewRateLimiter(perSecond, burst))
	apiusers.RegisterRoutes(g, deps.Registry, deps.Tracker, authmiddleware)
	apipayments.RegisterRoutes(g, deps.Tracker, deps.Events, authmiddleware)

	return RestServer{Router: g}, nil
}

// NewAdminApp creates the operator API
func NewAdminApp(config Config, deps apiadmin.Deps) (RestServer, error) {
	if config.Network == nil {
		return RestServer{}, errors.New("config.Network is not set")
	}
	if deps.Registry == nil || deps.Ledger == nil || deps.Tracker == nil || deps.Operator == nil {
		return RestServer{}, errors.New("registry, ledger, tracker and operator are required")
	}
	if err := registerValidators(config.Network); err != nil {
		return RestServer{}, err
	}

	g := getGinEngine(config, deps.Metrics)
	apiadmin.RegisterRoutes(g, deps)
	return RestServer{Router: g}, nil
}
