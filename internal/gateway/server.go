package gateway

import (
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the routing endpoints.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the complete request handler with all routes and the
// middleware chain applied. Exposed so tests can serve it from an in-memory
// listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/route", g.handleRoute)
	r.GET("/sessions/{id}", g.handleGetSession)
	r.DELETE("/sessions/{id}", g.handleDeleteSession)
	r.GET("/stats", g.handleStats)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/use-cases", g.handleUseCases)
	r.POST("/cleanup", g.handleCleanup)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return newServer(g.Handler(mgmt)).ListenAndServe(addr)
}

// Serve serves on an existing listener. Used by tests with in-memory
// listeners and by callers that need socket options.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return newServer(g.Handler(mgmt)).Serve(ln)
}

func newServer(h fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            h,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		// Slightly above the /route body limit so oversize bodies still
		// reach the handler and get the JSON envelope, not a bare 413.
		MaxRequestBodySize: maxBodyBytes + 1024,
	}
}
