package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBody_Limit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 32)))
	_, err := ReadBody(httptest.NewRecorder(), req, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestReadBodyStrict_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	_, err := ReadBodyStrict(httptest.NewRecorder(), req, 16)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestWriteRaw_EmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRaw(rec, http.StatusAccepted, "", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{}", rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "Invalid amount")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid amount"}`, rec.Body.String())
}
