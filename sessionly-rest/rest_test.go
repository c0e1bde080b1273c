package sessionlyrest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

func TestMiddlewares(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	router := Middlewares(logger, chi.NewRouter())
	router.Get("/ok", func(w http.ResponseWriter, req *http.Request) {
		zerolog.Ctx(req.Context()).Info().Msg("inside")
		WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})
	})
	router.Get("/panic", func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	})

	t.Run("json response with request logger", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set("Origin", "https://app.example.com")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.JSONEq(t, `{"hello":"world"}`, w.Body.String())
		assert.Contains(t, buf.String(), `"path":"/ok"`)
		assert.Contains(t, buf.String(), `"message":"inside"`)
	})

	t.Run("panics become 500", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("error body", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, http.StatusNotFound, "not found")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"not found"}`, w.Body.String())
	})
}
