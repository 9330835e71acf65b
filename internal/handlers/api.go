// Package handlers exposes the thin HTTP surface: server registration,
// log submission and querying, the notification feed, and mail
// recipient management.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
	"fleetmon/internal/store"
)

// statusSource provides the live snapshot for the status endpoint.
type statusSource interface {
	Snapshot() []*models.ServerStatus
}

// logIntake accepts log submissions and follows registry changes.
type logIntake interface {
	AddLog(entry *models.LogEntry) error
	Rebalance(desired int)
	Stats() (consumed, acked, flushes, flushErrors uint64)
}

// API bundles the HTTP handlers and their collaborators.
type API struct {
	store    *store.Store
	engine   statusSource
	logs     logIntake
	validate *validator.Validate
}

// NewAPI builds the handler set.
func NewAPI(st *store.Store, engine statusSource, logs logIntake) *API {
	return &API{store: st, engine: engine, logs: logs, validate: validator.New()}
}

// Register mounts all routes on the router.
func (a *API) Register(r *gin.Engine) {
	r.GET("/health", a.Health)

	api := r.Group("/api")
	api.GET("/servers", a.ListServers)
	api.POST("/servers", a.CreateServer)
	api.GET("/status", a.Status)
	api.POST("/logs", a.AddLog)
	api.GET("/logs", a.QueryLogs)
	api.GET("/notifications", a.ListNotifications)
	api.POST("/notifications/:id/read", a.MarkNotificationRead)
	api.POST("/notifications/read-all", a.MarkAllNotificationsRead)
	api.GET("/mail", a.ListRecipients)
	api.POST("/mail", a.AddRecipient)
	api.DELETE("/mail/:id", a.DeleteRecipient)
}

// Health reports pipeline counters and the registry size.
func (a *API) Health(c *gin.Context) {
	count, err := a.store.CountServers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	consumed, acked, flushes, flushErrors := a.logs.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"servers":      count,
		"log_consumed": consumed,
		"log_acked":    acked,
		"log_flushes":  flushes,
		"log_errors":   flushErrors,
	})
}

// ListServers returns all registered server records.
func (a *API) ListServers(c *gin.Context) {
	records, err := a.store.ListServers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// CreateServer registers a new server and resizes the consumer pool to
// match the registry.
func (a *API) CreateServer(c *gin.Context) {
	var record models.ServerRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.validate.Struct(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := a.store.CreateServer(&record)
	if err != nil {
		if errors.Is(err, store.ErrServerExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "server already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if count, err := a.store.CountServers(); err == nil {
		a.logs.Rebalance(count)
	} else {
		logutil.Error().Err(err).Msg("worker rebalance skipped")
	}
	c.JSON(http.StatusCreated, created)
}

// Status returns the live snapshot array the websocket also broadcasts.
func (a *API) Status(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Snapshot())
}

// AddLog validates and appends one log entry to the stream.
func (a *API) AddLog(c *gin.Context) {
	var entry models.LogEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.logs.AddLog(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// QueryLogs returns a filtered page of persisted log rows.
func (a *API) QueryLogs(c *gin.Context) {
	filter := store.LogFilter{
		ServerCode: c.Query("serverCode"),
		Type:       c.Query("type"),
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		filter.Limit = limit
	}
	if raw := c.Query("startDate"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Start = ts
		}
	}
	if raw := c.Query("endDate"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.End = ts
		}
	}

	entries, total, err := a.store.QueryLogs(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "total": total})
}

// ListNotifications returns the feed newest first.
func (a *API) ListNotifications(c *gin.Context) {
	notifications, err := a.store.ListNotifications()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

// MarkNotificationRead marks a single notification as read.
func (a *API) MarkNotificationRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := a.store.MarkNotificationRead(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkAllNotificationsRead clears the unread flag on the whole feed.
func (a *API) MarkAllNotificationsRead(c *gin.Context) {
	if err := a.store.MarkAllNotificationsRead(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRecipients returns the disconnect alert subscriber list.
func (a *API) ListRecipients(c *gin.Context) {
	recipients, err := a.store.ListRecipients()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recipients)
}

// AddRecipient subscribes an address to disconnect alerts.
func (a *API) AddRecipient(c *gin.Context) {
	var body struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.validate.Struct(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email address"})
		return
	}

	recipient, err := a.store.AddRecipient(body.Email)
	if err != nil {
		if errors.Is(err, store.ErrRecipientExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "recipient already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, recipient)
}

// DeleteRecipient unsubscribes an address.
func (a *API) DeleteRecipient(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient id"})
		return
	}
	if err := a.store.DeleteRecipient(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
