package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sigerd/fieldsync/internal/auth"
	"github.com/sigerd/fieldsync/internal/hub"
	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
)

const deviceIDContextKey = "fieldsync_device_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordService  = errors.New("record service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates device bearer tokens.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.DeviceClaims, error)
}

// RecordService is the hub storage the HTTP layer fronts.
type RecordService interface {
	Push(ctx context.Context, request hub.PushRequest) (hub.StoredRecord, error)
	PullSince(ctx context.Context, entityType records.EntityType, since time.Time, limit int) ([]hub.StoredRecord, error)
	Delete(ctx context.Context, entityType records.EntityType, remoteID, deviceID string) error
	HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	RecordService  RecordService
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.RecordService == nil {
		return nil, errMissingRecordService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		records: deps.RecordService,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/records/:entity", handler.handlePush)
	protected.GET("/records/:entity", handler.handlePull)
	protected.GET("/records/:entity/human-ids", handler.handleHumanIDs)
	protected.DELETE("/records/:entity/:remoteID", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens  TokenValidator
	records RecordService
	logger  *zap.Logger
}

// recordPayload is the wire envelope for one record, in both directions.
type recordPayload struct {
	RemoteID  string          `json:"remoteId,omitempty"`
	LocalKey  string          `json:"localKey,omitempty"`
	HumanID   string          `json:"humanId,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SyncedAt  *time.Time      `json:"syncedAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type pullResponsePayload struct {
	Records []recordPayload `json:"records"`
}

type humanIDsResponsePayload struct {
	HumanIDs []string `json:"humanIds"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	entityType, ok := h.entityParam(c)
	if !ok {
		return
	}

	var request recordPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.records.Push(c.Request.Context(), hub.PushRequest{
		EntityType: entityType.String(),
		RemoteID:   request.RemoteID,
		LocalKey:   request.LocalKey,
		HumanID:    request.HumanID,
		Status:     request.Status,
		CreatedAt:  request.CreatedAt,
		UpdatedAt:  request.UpdatedAt,
		Payload:    string(request.Payload),
		DeviceID:   c.GetString(deviceIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, toRecordPayload(stored))
}

func (h *httpHandler) handlePull(c *gin.Context) {
	entityType, ok := h.entityParam(c)
	if !ok {
		return
	}

	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	rows, err := h.records.PullSince(c.Request.Context(), entityType, since, limit)
	if err != nil {
		h.writeServiceError(c, "pull", err)
		return
	}
	response := pullResponsePayload{Records: make([]recordPayload, 0, len(rows))}
	for _, row := range rows {
		response.Records = append(response.Records, toRecordPayload(row))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	entityType, ok := h.entityParam(c)
	if !ok {
		return
	}
	remoteID := strings.TrimSpace(c.Param("remoteID"))
	if remoteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.records.Delete(c.Request.Context(), entityType, remoteID, c.GetString(deviceIDContextKey)); err != nil {
		h.writeServiceError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHumanIDs(c *gin.Context) {
	entityType, ok := h.entityParam(c)
	if !ok {
		return
	}
	year, err := strconv.Atoi(strings.TrimSpace(c.Query("year")))
	if err != nil || year <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_year"})
		return
	}
	ids, err := h.records.HumanIDs(c.Request.Context(), entityType, year)
	if err != nil {
		h.writeServiceError(c, "human_ids", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, humanIDsResponsePayload{HumanIDs: ids})
}

func (h *httpHandler) entityParam(c *gin.Context) (records.EntityType, bool) {
	entityType, err := records.ParseEntityType(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_entity_type"})
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, hub.ErrHumanIDTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "human_id_taken", "detail": err.Error()})
	case errors.Is(err, hub.ErrInvalidRecord):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_record", "detail": err.Error()})
	case errors.Is(err, hub.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("record "+action+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": action + "_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func toRecordPayload(record hub.StoredRecord) recordPayload {
	synced := record.SyncedAt()
	return recordPayload{
		RemoteID:  record.RemoteID,
		LocalKey:  record.OriginKey,
		HumanID:   record.HumanID,
		Status:    record.Status,
		CreatedAt: record.CreatedAt(),
		UpdatedAt: record.UpdatedAt(),
		SyncedAt:  &synced,
		Payload:   json.RawMessage(record.PayloadJSON),
	}
}
