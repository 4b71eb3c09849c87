package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amoylab/chatgate/internal/i18n"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func serveError(t *testing.T, debug bool, err error) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewErrorHandler(zap.NewNop(), debug)
	r := gin.New()
	r.GET("/e", func(c *gin.Context) { h.HandleError(c, err) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e", nil))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestKind_HTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   http.StatusBadRequest,
		KindBadRequest:   http.StatusBadRequest,
		KindUnauthorized: http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindNotFound:     http.StatusNotFound,
		KindConflict:     http.StatusConflict,
		KindRateLimit:    http.StatusTooManyRequests,
		KindDatabase:     http.StatusInternalServerError,
		KindInternal:     http.StatusInternalServerError,
		KindExternalAPI:  http.StatusBadGateway,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), kind)
	}
}

func TestHandleError_ValidationWithFields(t *testing.T) {
	err := Validation("invalid registration").
		WithField("username", "must be at least 3 characters").
		WithField("password", "is required")

	w, body := serveError(t, false, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindValidation, body.Code)
	assert.Len(t, body.Errors, 2)
	assert.Equal(t, "username", body.Errors[0].Field)
	assert.Nil(t, body.Debug)
	assert.NotEmpty(t, w.Header().Get(TraceHeader))
}

func TestHandleError_UnknownCollapsesToInternal(t *testing.T) {
	w, body := serveError(t, false, errors.New("pq: connection refused on 10.0.0.3"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, KindInternal, body.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
}

func TestHandleError_DebugOnlyInDevelopment(t *testing.T) {
	_, body := serveError(t, true, errors.New("boom"))
	require.NotNil(t, body.Debug)
	assert.Equal(t, "boom", body.Debug["cause"])
	assert.NotEmpty(t, body.Debug["trace_id"])
}

func TestHandleError_LocalizedTitle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr, err := i18n.New()
	require.NoError(t, err)
	h := NewErrorHandler(zap.NewNop(), false).WithTranslator(tr)
	r := gin.New()
	r.GET("/e", func(c *gin.Context) { h.HandleError(c, Forbidden("insufficient permissions")) })

	req := httptest.NewRequest(http.MethodGet, "/e", nil)
	req.Header.Set("Accept-Language", "zh-CN")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "没有访问权限", body.Title)
	assert.Equal(t, "insufficient permissions", body.Message)
	assert.Equal(t, "zh", w.Header().Get("Content-Language"))

	_, plain := serveError(t, false, Forbidden("x"))
	assert.Empty(t, plain.Title)
}

func TestConvert_KnownErrors(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", Conflict("code exhausted"))
	assert.Equal(t, KindConflict, Convert(wrapped).Kind)
	assert.Equal(t, KindNotFound, Convert(gorm.ErrRecordNotFound).Kind)
	assert.Equal(t, KindDatabase, Convert(Database(errors.New("x"))).Kind)

	ext := External("upstream provider failed", errors.New("502"))
	assert.Equal(t, KindExternalAPI, Convert(ext).Kind)
	assert.ErrorContains(t, ext, "502")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewErrorHandler(zap.NewNop(), false)
	r := gin.New()
	r.Use(h.RecoveryMiddleware())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "kaboom")
}

func TestErrorMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewErrorHandler(zap.NewNop(), false)
	r := gin.New()
	r.Use(h.ErrorMiddleware())
	r.GET("/x", func(c *gin.Context) { _ = c.Error(NotFound("user not found")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(KindNotFound))
}
