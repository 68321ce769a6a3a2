// Package api exposes the facilitator over HTTP: transfer submission,
// gas estimation, transaction status, balance lookup and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/config"
	"github.com/x402-bsc/gasless-relay/price"
)

// PriceService resolves the BNB/USD rate for cost display.
type PriceService interface {
	BNBPrice(ctx context.Context) float64
}

// Server wires the relay and its collaborators into an HTTP API.
type Server struct {
	relay   *gasless.Relay
	backend gasless.ChainBackend
	network *config.Network
	prices  PriceService
	now     func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithClock injects the time source used in responses.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds a Server. A nil prices service falls back to the
// default upstream-backed one.
func NewServer(relay *gasless.Relay, backend gasless.ChainBackend, network *config.Network, prices PriceService, opts ...Option) *Server {
	s := &Server{
		relay:   relay,
		backend: backend,
		network: network,
		prices:  prices,
		now:     time.Now,
	}
	if s.prices == nil {
		s.prices = price.NewService()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger())

	router.GET("/api/health", s.handleHealth)

	gaslessGroup := router.Group("/api/gasless")
	{
		gaslessGroup.POST("/transfer", s.handleTransfer)
		gaslessGroup.POST("/estimate", s.handleEstimate)
		gaslessGroup.GET("/status/:txHash", s.handleStatus)
		gaslessGroup.GET("/balance/:address", s.handleBalance)
		gaslessGroup.GET("/permit/:address", s.handlePermitData)
	}
	return router
}

// requestID tags every request with a UUID for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"requestID": c.GetString("requestID"),
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
		}).Info("request handled")
	}
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func respondErr(c *gin.Context, status int, code, message string) {
	c.JSON(status, envelope{Success: false, Error: message, Code: code})
}

// respondRelayErr maps a classified relay error onto the response.
func respondRelayErr(c *gin.Context, err error) {
	if gerr, ok := gasless.AsError(err); ok {
		respondErr(c, gerr.HTTPStatus(), gerr.Code, gerr.Message)
		return
	}
	respondErr(c, http.StatusInternalServerError, gasless.CodeNetworkError, err.Error())
}
