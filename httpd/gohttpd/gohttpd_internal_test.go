package gohttpd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestWriteJSON_EncodeFailure(t *testing.T) {
	g := &GoHTTPd{logger: zaptest.NewLogger(t)}

	rec := httptest.NewRecorder()
	g.writeJSON(rec, make(chan int))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	g.writeJSON(rec, map[string]int{"active": 3})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"active":3}`, rec.Body.String())
}
