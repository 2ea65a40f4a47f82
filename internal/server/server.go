// Package server exposes the HTTP surface: retrieval, agent chat,
// record CRUD, and rebuild control. Rebuilds are scheduled, never run
// inline, so no handler blocks on embedding calls except /retrieve's
// own query embedding.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/membank-ai/membank/internal/agent"
	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/store"
)

// Scheduler is the rebuild-control surface the supervisor provides.
type Scheduler interface {
	NotifyIngest()
	NotifyDelete()
	RequestFullRebuild() error
	Status() (store.StatusRecord, error)
}

// Chatter answers one user message given session history.
type Chatter interface {
	Respond(ctx context.Context, userMessage string, history []agent.Message) (string, error)
}

// Server wires the HTTP handlers over the service components.
type Server struct {
	cfg       *config.Config
	records   *journal.Store
	retriever *retriever.Retriever
	chatter   Chatter
	scheduler Scheduler
	flag      *store.DirtyFlag
	sessions  *sessionStore
	logger    *slog.Logger

	// Now is injectable so ingest-assigned IDs are deterministic in tests.
	Now func() time.Time
}

// New builds a server; call Router for the handler.
func New(cfg *config.Config, records *journal.Store, retr *retriever.Retriever, chatter Chatter, scheduler Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		records:   records,
		retriever: retr,
		chatter:   chatter,
		scheduler: scheduler,
		flag:      store.NewDirtyFlag(cfg.Paths.DirtyFlag),
		sessions:  newSessionStore(),
		logger:    logger,
		Now:       time.Now,
	}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", s.handleHealthz)
	r.POST("/retrieve", s.handleRetrieve)
	r.POST("/chat", s.handleChat)
	r.POST("/rebuild-index", s.handleRebuild)
	r.GET("/index-status", s.handleIndexStatus)

	r.GET("/records", s.handleListRecords)
	r.POST("/records", s.handleCreateRecord)
	r.PUT("/records/:id", s.handleUpdateRecord)
	r.DELETE("/records/:id", s.handleDeleteRecord)
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "records": s.records.Len()})
}

type retrieveRequest struct {
	Query      string `json:"query"`
	DateFilter string `json:"date_filter"`
	MaxResults int    `json:"max_results"`
}

type retrieveHit struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	Date     string  `json:"date,omitempty"`
	Source   string  `json:"source,omitempty"`
	Distance float32 `json:"distance"`
	Origin   string  `json:"origin"`
}

func (s *Server) handleRetrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 10
	}

	results, err := s.retriever.Search(c.Request.Context(), req.Query, req.DateFilter, req.MaxResults)
	if err != nil {
		status := http.StatusInternalServerError
		switch errors.GetCode(err) {
		case errors.ErrCodeQueryEmpty, errors.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	hits := make([]retrieveHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, retrieveHit{
			ID:       r.Chunk.ID,
			Content:  r.Chunk.Content,
			Date:     r.Chunk.Date,
			Source:   r.Chunk.Source,
			Distance: r.Distance,
			Origin:   r.Origin,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": len(hits), "results": hits})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "message cannot be empty"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	answer, err := s.chatter.Respond(c.Request.Context(), req.Message, s.sessions.History(req.SessionID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false, "session_id": req.SessionID, "error": err.Error(),
		})
		return
	}
	s.sessions.Append(req.SessionID, req.Message, answer)

	c.JSON(http.StatusOK, gin.H{
		"success": true, "session_id": req.SessionID, "response": answer,
	})
}

func (s *Server) handleRebuild(c *gin.Context) {
	if err := s.scheduler.RequestFullRebuild(); err != nil {
		status := http.StatusInternalServerError
		if errors.GetCode(err) == errors.ErrCodeRebuildBusy {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "index rebuild scheduled"})
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	rec, err := s.scheduler.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListRecords(c *gin.Context) {
	records := s.records.List()
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].Time > records[j].Time
	})
	c.JSON(http.StatusOK, gin.H{"total": len(records), "records": records})
}

type recordRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleCreateRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "content cannot be empty"})
		return
	}

	now := s.Now()
	rec := journal.Record{
		ID:      journal.NewRecordID(now, s.records.Has),
		Source:  "voice",
		Date:    now.Format("2006-01-02"),
		Time:    now.Format("15:04"),
		Content: req.Content,
	}

	// Ordering matters: the record must be durable and the flag set
	// before the job is queued, so a crash can never lose the work.
	if err := s.records.Append(rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.flag.Set(); err != nil {
		s.logger.Error("failed to set dirty flag after ingest", "error", err)
	}
	s.scheduler.NotifyIngest()

	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

func (s *Server) handleUpdateRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "content cannot be empty"})
		return
	}

	id := c.Param("id")
	rec, ok := s.records.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "record not found"})
		return
	}
	rec.Content = req.Content

	if err := s.records.Update(rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.flag.Set(); err != nil {
		s.logger.Error("failed to set dirty flag after update", "error", err)
	}
	// The old vectors stay until a full rebuild; treat an edit like a
	// delete-and-recreate for index purposes.
	s.scheduler.NotifyDelete()

	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

func (s *Server) handleDeleteRecord(c *gin.Context) {
	id := c.Param("id")
	if !s.records.Has(id) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "record not found"})
		return
	}

	if _, err := s.records.Delete(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.flag.Set(); err != nil {
		s.logger.Error("failed to set dirty flag after delete", "error", err)
	}
	s.scheduler.NotifyDelete()

	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": id})
}
