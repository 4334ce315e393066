// Package server exposes the read API over the risk engine: live exposure
// aggregates, the alert log with acknowledgement, historical snapshots,
// prometheus metrics and a websocket alert stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/internal/engine"
	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// Server is the HTTP server over the engine and the store.
type Server struct {
	logger *zap.Logger
	cfg    config.ServerConfig
	store  *store.Store
	engine *engine.Engine
	hub    *Hub
}

// NewServer creates the API server. The hub may be nil, in which case the
// stream endpoint reports unavailable.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, st *store.Store, eng *engine.Engine, hub *Hub) *Server {
	return &Server{
		logger: logger,
		cfg:    cfg,
		store:  st,
		engine: eng,
		hub:    hub,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			exposures := v1.Group("/exposures")
			{
				exposures.GET("/clients", s.handleClientExposures)
				exposures.GET("/clients/:id", s.handleClientExposure)
				exposures.GET("/symbols", s.handleSymbolExposures)
				exposures.GET("/symbols/:symbol", s.handleSymbolExposure)
			}

			alerts := v1.Group("/alerts")
			{
				alerts.GET("", s.handleListAlerts)
				alerts.GET("/summary", s.handleAlertSummary)
				alerts.POST("/:id/ack", s.handleAcknowledgeAlert)
			}

			v1.GET("/snapshots", s.handleSnapshots)
			v1.GET("/stream", s.handleStream)
		}
	}

	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	return cfg
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("api server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"engine":                s.engine.Stats(),
		"cursor_transaction_id": s.engine.Cursor().LastTransactionID,
	})
}

func minLevelFromQuery(c *gin.Context) (int, bool) {
	v := c.Query("min_level")
	if v == "" {
		return 0, true
	}
	level := models.RiskLevel(v)
	if level.Rank() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid min_level",
			"valid_levels": []models.RiskLevel{
				models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical,
			},
		})
		return 0, false
	}
	return level.Rank(), true
}

func (s *Server) liveBook(c *gin.Context) (*engine.ExposureBook, bool) {
	book := s.engine.Book()
	if book == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine is still warming up"})
		return nil, false
	}
	return book, true
}

func (s *Server) handleClientExposures(c *gin.Context) {
	book, ok := s.liveBook(c)
	if !ok {
		return
	}
	minRank, ok := minLevelFromQuery(c)
	if !ok {
		return
	}

	exposures := book.Clients()
	filtered := exposures[:0]
	for _, e := range exposures {
		if e.RiskLevel.Rank() >= minRank {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if cmp := filtered[i].TotalExposure.Cmp(filtered[j].TotalExposure); cmp != 0 {
			return cmp > 0
		}
		return filtered[i].ClientID < filtered[j].ClientID
	})

	c.JSON(http.StatusOK, gin.H{"count": len(filtered), "clients": filtered})
}

func (s *Server) handleClientExposure(c *gin.Context) {
	book, ok := s.liveBook(c)
	if !ok {
		return
	}
	exposure, found := book.Client(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusOK, exposure)
}

func (s *Server) handleSymbolExposures(c *gin.Context) {
	book, ok := s.liveBook(c)
	if !ok {
		return
	}
	minRank, ok := minLevelFromQuery(c)
	if !ok {
		return
	}

	exposures := book.Symbols()
	filtered := exposures[:0]
	for _, e := range exposures {
		if e.RiskLevel.Rank() >= minRank {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if cmp := filtered[i].TotalExposure.Cmp(filtered[j].TotalExposure); cmp != 0 {
			return cmp > 0
		}
		return filtered[i].Symbol < filtered[j].Symbol
	})

	c.JSON(http.StatusOK, gin.H{"count": len(filtered), "symbols": filtered})
}

func (s *Server) handleSymbolExposure(c *gin.Context) {
	book, ok := s.liveBook(c)
	if !ok {
		return
	}
	exposure, found := book.Symbol(c.Param("symbol"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found"})
		return
	}
	c.JSON(http.StatusOK, exposure)
}

func alertFilterFromQuery(c *gin.Context) (store.AlertFilter, error) {
	filter := store.AlertFilter{Limit: 100}

	if v := c.Query("severity"); v != "" {
		severity := models.Severity(v)
		if severity.Rank() < 0 {
			return filter, fmt.Errorf("invalid severity %q", v)
		}
		filter.Severity = severity
	}
	if v := c.Query("type"); v != "" {
		filter.AlertType = models.AlertType(v)
	}
	if v := c.Query("entity_type"); v != "" {
		filter.EntityType = models.EntityType(v)
	}
	if v := c.Query("entity_id"); v != "" {
		filter.EntityID = v
	}
	if v := c.Query("acknowledged"); v != "" {
		acked, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid acknowledged %q", v)
		}
		filter.Acknowledged = &acked
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since %q, want RFC3339", v)
		}
		filter.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) handleListAlerts(c *gin.Context) {
	filter, err := alertFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alerts, err := s.store.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

func (s *Server) handleAlertSummary(c *gin.Context) {
	summary, err := s.store.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize alerts", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	var body struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if body.AcknowledgedBy == "" {
		body.AcknowledgedBy = "api"
	}

	alert, err := s.store.AcknowledgeAlert(c.Request.Context(), id, body.AcknowledgedBy)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge alert", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleSnapshots(c *gin.Context) {
	var since time.Time
	if v := c.Query("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid since %q, want RFC3339", v)})
			return
		}
		since = parsed
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", v)})
			return
		}
		if parsed > 1000 {
			parsed = 1000
		}
		limit = parsed
	}

	snapshots, err := s.store.ListSnapshots(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(snapshots), "snapshots": snapshots})
}

func (s *Server) handleStream(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert stream unavailable"})
		return
	}
	s.hub.ServeWS(c.Writer, c.Request)
}
