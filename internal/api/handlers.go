// Package api exposes the HTTP surface: task submission and retrieval,
// dashboard queries, and runtime configuration.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"taskpilot/internal/auth"
	"taskpilot/internal/history"
	"taskpilot/internal/middleware"
	"taskpilot/internal/store"
	"taskpilot/internal/task"
	"taskpilot/internal/worker"
)

type API struct {
	pool    *worker.Pool
	store   *store.Store
	history *history.Repository
	tokens  *auth.TokenManager
	engine  *gin.Engine
	log     zerolog.Logger
}

type CreateTaskRequest struct {
	Task       string `json:"task"`
	UserID     string `json:"user_id"`
	WebhookURL string `json:"webhook_url"`
}

type SearchModeRequest struct {
	Mode string `json:"mode"`
}

func New(pool *worker.Pool, s *store.Store, h *history.Repository, tokens *auth.TokenManager, log zerolog.Logger) *API {
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Metrics())

	a := &API{
		pool:    pool,
		store:   s,
		history: h,
		tokens:  tokens,
		engine:  engine,
		log:     log,
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.engine.GET("/health", a.health)
	a.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := a.engine.Group("/api")
	api.POST("/tasks", a.createTask)
	api.GET("/tasks", a.listTasks)
	api.GET("/tasks/:id", a.getTask)
	api.GET("/dashboard/stats", a.dashboardStats)
	api.GET("/dashboard/recent", a.dashboardRecent)
	api.GET("/config/search-mode", a.getSearchMode)
	api.PUT("/config/search-mode", a.setSearchMode)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.engine.ServeHTTP(w, r)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	t, token, err := a.pool.Submit(c.Request.Context(), req.Task, req.UserID, req.WebhookURL)
	if err != nil {
		if errors.Is(err, worker.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.log.Error().Err(err).Msg("failed to accept task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id": t.ID,
		"token":   token,
		"status":  t.Status,
	})
}

// getTask authorizes the bearer token against the requested task before
// touching the store, so a valid token for another task yields 401, not 404.
func (a *API) getTask(c *gin.Context) {
	taskID := c.Param("id")

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	if err := a.tokens.Verify(token, taskID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": authMessage(err)})
		return
	}

	t, err := a.store.Get(c.Request.Context(), taskID)
	if err != nil {
		a.log.Error().Err(err).Str("task_id", taskID).Msg("failed to load task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, sanitize(t))
}

func (a *API) listTasks(c *gin.Context) {
	tasks, err := a.store.List(c.Request.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}

	views := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, sanitize(t))
	}

	c.JSON(http.StatusOK, gin.H{"tasks": views, "count": len(views)})
}

func (a *API) dashboardStats(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
		return
	}

	stats, err := a.history.Stats(c.Request.Context(), hours)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to query task stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query stats"})
		return
	}
	if stats == nil {
		stats = []history.StatusStats{}
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats, "window_hours": hours})
}

func (a *API) dashboardRecent(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	tasks, err := a.history.Recent(c.Request.Context(), limit)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to query recent tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query recent tasks"})
		return
	}
	if tasks == nil {
		tasks = []history.RecentTask{}
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (a *API) getSearchMode(c *gin.Context) {
	mode, err := a.store.SearchMode(c.Request.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("failed to read search mode")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read search mode"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func (a *API) setSearchMode(c *gin.Context) {
	var req SearchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	if err := a.store.SetSearchMode(c.Request.Context(), req.Mode); err != nil {
		if errors.Is(err, store.ErrInvalidMode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.log.Error().Err(err).Msg("failed to set search mode")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set search mode"})
		return
	}

	a.log.Info().Str("mode", req.Mode).Msg("search mode updated")
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrTokenMismatch):
		return "token does not grant access to this task"
	default:
		return "invalid token"
	}
}

// sanitize strips the bearer token from a task's metadata before it leaves
// the API; callers already hold their own token.
func sanitize(t *task.Task) *task.Task {
	if t.Metadata == nil {
		return t
	}
	if _, ok := t.Metadata["token"]; !ok {
		return t
	}

	clean := *t
	clean.Metadata = make(map[string]any, len(t.Metadata)-1)
	for k, v := range t.Metadata {
		if k == "token" {
			continue
		}
		clean.Metadata[k] = v
	}

	return &clean
}
