// Package server exposes the HTTP surface: user profiles, report history,
// document download and a manual trigger hook.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vvaswani/sugar/internal/eventbus"
	"github.com/vvaswani/sugar/internal/generate"
	"github.com/vvaswani/sugar/internal/objstore"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/internal/tzdate"
	"github.com/vvaswani/sugar/pkg/logx"
)

// Triggerer injects a cadence run outside the cron schedule.
type Triggerer interface {
	FireNow(ctx context.Context, cad report.Cadence) error
}

// QueueStats is the healthz view of the work queue.
type QueueStats interface {
	Depth(ctx context.Context) (pending int, dead int, err error)
}

type Server struct {
	store   *store.Store
	objects objstore.Store
	trigger Triggerer
	queue   QueueStats
	events  *eventbus.Stats
	log     logx.Logger

	http *http.Server
}

func New(addr string, st *store.Store, objects objstore.Store, trigger Triggerer, queue QueueStats, events *eventbus.Stats, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if addr == "" {
		addr = ":8080"
	}
	s := &Server{store: st, objects: objects, trigger: trigger, queue: queue, events: events, log: log}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the gin engine. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/reports/:filename", s.downloadReport)

	api := r.Group("/api")
	{
		api.POST("/users", s.createUser)
		api.GET("/users/:id", s.getUser)
		api.PUT("/users/:id", s.updateUser)
		api.POST("/users/:id/readings", s.addReading)
		api.GET("/users/:id/reports", s.listReports)
		api.POST("/reports/run/:cadence", s.runCadence)
	}
	return r
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.log.Info("http server listening", logx.String("addr", s.http.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (s *Server) createUser(c *gin.Context) {
	var input struct {
		Email    string `json:"email" binding:"required"`
		Name     string `json:"name" binding:"required"`
		Timezone string `json:"timezone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := tzdate.LoadZone(input.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone: " + input.Timezone})
		return
	}

	u := store.User{Email: input.Email, Name: input.Name, Timezone: input.Timezone}
	id, err := s.store.CreateUser(c.Request.Context(), u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	u.ID = id
	c.JSON(http.StatusCreated, u)
}

func (s *Server) getUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	u, err := s.store.GetUser(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) updateUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var input struct {
		Email    string `json:"email" binding:"required"`
		Name     string `json:"name" binding:"required"`
		Timezone string `json:"timezone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Validate the zone here so scheduling never meets an unknown name.
	if _, err := tzdate.LoadZone(input.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone: " + input.Timezone})
		return
	}

	u := store.User{ID: id, Email: input.Email, Name: input.Name, Timezone: input.Timezone}
	err := s.store.UpdateUser(c.Request.Context(), u)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) addReading(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var input struct {
		Value      float64   `json:"value" binding:"required"`
		Type       string    `json:"type" binding:"required"`
		MeasuredAt time.Time `json:"measured_at"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch input.Type {
	case store.ReadingFasting, store.ReadingPostPrandial, store.ReadingRandom:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown reading type: " + input.Type})
		return
	}
	if input.Value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be positive"})
		return
	}

	if _, err := s.store.GetUser(c.Request.Context(), id); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rid, err := s.store.InsertReading(c.Request.Context(), store.Reading{
		UserID:    id,
		Value:     input.Value,
		Type:      input.Type,
		CreatedAt: input.MeasuredAt.UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rid})
}

func (s *Server) listReports(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetUser(c.Request.Context(), id); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	recs, err := s.store.ListReports(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []store.ReportRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) downloadReport(c *gin.Context) {
	filename := c.Param("filename")
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	rc, err := s.objects.Get(c.Request.Context(), generate.ObjectKey(filename))
	if errors.Is(err, objstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer rc.Close()

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.log.Warn("report download aborted", logx.String("filename", filename), logx.Err(err))
	}
}

func (s *Server) runCadence(c *gin.Context) {
	cad, err := report.ParseCadence(c.Param("cadence"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.trigger.FireNow(c.Request.Context(), cad); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "cadence": string(cad)})
}

func (s *Server) healthz(c *gin.Context) {
	pending, dead, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	body := gin.H{
		"status":        "ok",
		"queue_pending": pending,
		"queue_dead":    dead,
	}
	if s.events != nil {
		body["events"] = s.events.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}
