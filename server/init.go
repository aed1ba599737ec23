package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/krau/leafscan/config"
	"github.com/krau/leafscan/service"
)

// Server owns the HTTP routes of the detection API.
type Server struct {
	engine  *gin.Engine
	handler *Handler
	metrics *metrics
	cfg     config.Config
}

func New(svc *service.Service, cfg config.Config) *Server {
	m := newMetrics(svc.Status)
	h := newHandler(svc, cfg.Token, m)

	r := gin.New()
	r.Use(recovery(), requestID(), accessLog(m), bodyLimit(cfg.MaxBodyBytes()), timeout(cfg.RequestTimeoutDuration()))

	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/labels", h.Labels)
	api.POST("/predict", h.RequireToken, h.Predict)
	api.POST("/diagnose", h.RequireToken, h.Diagnose)

	if cfg.Metrics {
		r.GET("/metrics", gin.WrapH(m.handler()))
	}

	return &Server{engine: r, handler: h, metrics: m, cfg: cfg}
}

// Handler returns the routes wrapped in the CORS policy. Every origin is
// allowed, the browser frontend is served from elsewhere.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})
	return c.Handler(s.engine)
}

func (s *Server) HTTPServer() *http.Server {
	writeTimeout := s.cfg.RequestTimeoutDuration()
	if writeTimeout > 0 {
		writeTimeout += 5 * time.Second
	}
	return &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}
}
