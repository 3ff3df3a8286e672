// Package gateway assembles the central hub's HTTP surface.
package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/gateway/auth"
	"github.com/medrecnet/platform/pkg/gateway/middleware"
	"github.com/medrecnet/platform/pkg/gateway/routes"
)

type RouterConfig struct {
	Tokens         *auth.JWTManager
	Central        *routes.CentralHandler
	Emergency      *routes.EmergencyHandler
	Auth           *routes.AuthHandler
	Metrics        *routes.MetricsHandler
	RateLimitRPS   int
	RateLimitBurst int
	MaxRequestBody int64
}

func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	if cfg.RateLimitRPS > 0 {
		router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	if cfg.MaxRequestBody > 0 {
		router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	}

	if cfg.Metrics != nil {
		cfg.Metrics.Register(router)
	}
	if cfg.Auth != nil {
		cfg.Auth.Register(router.PathPrefix("/auth").Subrouter())
	}

	authenticate := middleware.Authenticate(cfg.Tokens)
	if cfg.Central != nil {
		central := router.PathPrefix("/central").Subrouter()
		central.Use(authenticate)
		cfg.Central.Register(central)
	}
	if cfg.Emergency != nil {
		emergency := router.PathPrefix("/emergency").Subrouter()
		emergency.Use(authenticate)
		cfg.Emergency.Register(emergency)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return router
}
