package errorx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/amoylab/chatgate/internal/i18n"
	"github.com/amoylab/chatgate/pkg/trace"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TraceHeader carries the per-request trace id back to the client
const TraceHeader = "X-Trace-Id"

// Response is the JSON body of every error response
type Response struct {
	Code    Kind           `json:"code"`
	Title   string         `json:"title,omitempty"` // localized summary of Code
	Message string         `json:"message"`
	Errors  []FieldError   `json:"errors,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// ErrorHandler provides unified error handling capabilities
type ErrorHandler struct {
	logger     *zap.Logger
	debug      bool
	translator *i18n.Translator
}

// NewErrorHandler creates a new error handler. Debug output is attached to
// responses only when debug is true.
func NewErrorHandler(logger *zap.Logger, debug bool) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{
		logger: logger,
		debug:  debug,
	}
}

// WithTranslator adds a localized title to every response
func (h *ErrorHandler) WithTranslator(t *i18n.Translator) *ErrorHandler {
	h.translator = t
	return h
}

// HandleError converts any error to an APIError and writes the response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	apiErr := Convert(err)
	traceID := ExtractTraceID(c)
	h.logError(c, apiErr, traceID)

	resp := Response{
		Code:    apiErr.Kind,
		Message: apiErr.Message,
		Errors:  apiErr.Fields,
		Details: apiErr.Details,
	}
	if h.translator != nil {
		lang := i18n.Language(c.Request)
		resp.Title = h.translator.Translate(lang, string(apiErr.Kind))
		c.Header("Content-Language", lang)
	}
	if h.debug {
		resp.Debug = map[string]any{"trace_id": traceID}
		if cause := apiErr.Cause(); cause != nil {
			resp.Debug["cause"] = cause.Error()
		}
	}

	c.Header(TraceHeader, traceID)
	c.AbortWithStatusJSON(apiErr.Kind.HTTPStatus(), resp)
}

// Convert maps known errors to their APIError form; anything unrecognized
// becomes INTERNAL_ERROR.
func Convert(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound("resource not found").WithCause(err)
	}
	return Internal(err)
}

// logError logs the error with request context
func (h *ErrorHandler) logError(c *gin.Context, apiErr *APIError, traceID string) {
	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("code", string(apiErr.Kind)),
		zap.Int("http_status", apiErr.Kind.HTTPStatus()),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
	}
	if cause := apiErr.Cause(); cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	switch status := apiErr.Kind.HTTPStatus(); {
	case status >= http.StatusInternalServerError:
		h.logger.Error(apiErr.Message, fields...)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		h.logger.Warn(apiErr.Message, fields...)
	default:
		h.logger.Info(apiErr.Message, fields...)
	}
}

// ErrorMiddleware returns a gin middleware that translates errors attached with c.Error
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware returns a gin middleware for panic recovery
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		h.logger.Error("panic recovered", zap.Any("panic", recovered), zap.Stack("stack"))
		h.HandleError(c, Internal(fmt.Errorf("panic: %v", recovered)))
	})
}

// ExtractTraceID returns the request trace id. The active span wins over the
// request header; a fresh id is generated when neither is present.
func ExtractTraceID(c *gin.Context) string {
	if traceID := c.GetString("trace_id"); traceID != "" {
		return traceID
	}
	traceID := trace.ID(c.Request.Context())
	if traceID == "" {
		traceID = c.GetHeader(TraceHeader)
	}
	if traceID == "" {
		traceID = uuid.New().String()
	}
	c.Set("trace_id", traceID)
	return traceID
}
