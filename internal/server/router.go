package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/registration"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/visits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"

var (
	errMissingVisitLogger   = errors.New("visit logger dependency required")
	errMissingRegistrar     = errors.New("registrar dependency required")
	errMissingAllowedOrigin = errors.New("allowed origin required")
)

type VisitLogger interface {
	LogVisit(ctx context.Context, request visits.Request) (visits.Result, error)
}

type Registrar interface {
	Register(ctx context.Context, token string, profile map[string]string) (registration.Result, error)
}

type Dependencies struct {
	Visits        VisitLogger
	Registrations Registrar
	// AllowedOrigin is the site origin browsers submit from.
	AllowedOrigin  string
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Visits == nil {
		return nil, errMissingVisitLogger
	}
	if deps.Registrations == nil {
		return nil, errMissingRegistrar
	}
	if strings.TrimSpace(deps.AllowedOrigin) == "" {
		return nil, errMissingAllowedOrigin
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigin))

	handler := &httpHandler{
		visits:        deps.Visits,
		registrations: deps.Registrations,
		logger:        logger,
	}

	router.POST("/visit", handler.handleVisit)
	router.POST("/register", handler.handleRegister)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	return router, nil
}

func corsMiddleware(allowedOrigin string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{strings.TrimRight(strings.TrimSpace(allowedOrigin), "/")},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", idempotencyKeyHeader},
		MaxAge:       12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)))
	}
}

type httpHandler struct {
	visits        VisitLogger
	registrations Registrar
	logger        *zap.Logger
}

type visitRequestPayload struct {
	Username  string `json:"username"`
	Source    string `json:"source"`
	Location  string `json:"location"`
	RequestID string `json:"request_id"`
}

type visitResponsePayload struct {
	Status       visits.Status `json:"status"`
	MailDegraded bool          `json:"mail-degraded,omitempty"`
}

func (h *httpHandler) handleVisit(c *gin.Context) {
	var request visitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input"})
		return
	}
	requestID := strings.TrimSpace(request.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	}

	result, err := h.visits.LogVisit(c.Request.Context(), visits.Request{
		Username:  request.Username,
		Source:    request.Source,
		Location:  request.Location,
		RequestID: requestID,
	})
	if err != nil {
		status, code := classifyError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("visit request failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, visitResponsePayload{Status: result.Status, MailDegraded: result.MailDegraded})
}

type registerRequestPayload struct {
	Token   string                     `json:"token"`
	Profile map[string]json.RawMessage `json:"profile"`
}

type registerResponsePayload struct {
	Status     registration.Status `json:"status"`
	Idempotent bool                `json:"idempotent,omitempty"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input"})
		return
	}
	profile, err := decodeProfile(request.Profile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input"})
		return
	}

	result, err := h.registrations.Register(c.Request.Context(), request.Token, profile)
	if err != nil {
		status, code := classifyError(err)
		if status == http.StatusConflict {
			c.JSON(status, registerResponsePayload{Status: registration.StatusConflict})
			return
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("register request failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, registerResponsePayload{Status: result.Status, Idempotent: result.Idempotent})
}

// decodeProfile accepts string and numeric answers; numbers keep their literal text.
func decodeProfile(raw map[string]json.RawMessage) (map[string]string, error) {
	profile := make(map[string]string, len(raw))
	for key, value := range raw {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			profile[key] = text
			continue
		}
		var number json.Number
		if err := json.Unmarshal(value, &number); err != nil {
			return nil, err
		}
		profile[key] = number.String()
	}
	return profile, nil
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, visits.ErrInvalidInput), errors.Is(err, registration.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, invite.ErrExpiredToken):
		return http.StatusGone, "expired_token"
	case errors.Is(err, invite.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token"
	case errors.Is(err, directory.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, directory.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
