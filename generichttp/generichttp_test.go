package generichttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubMuxSanitize(t *testing.T) {
	for in, want := range map[string]string{
		"omc/pem":    "/omc/pem",
		"/omc/pem/*": "/omc/pem",
		"pem/":       "/pem",
	} {
		assert.Equal(t, want, SubMuxSanitize(in), in)
	}
}

func TestEndpointsSortedByPath(t *testing.T) {
	nop := func(w http.ResponseWriter, r *http.Request) {}
	rt := RouteTable{
		{Method: http.MethodPost, Path: "/wavelength"}: nop,
		{Method: http.MethodGet, Path: "/wavelength"}:  nop,
		{Method: http.MethodGet, Path: "/device"}:      nop,
	}
	assert.Equal(t, []string{"GET /device", "GET /wavelength", "POST /wavelength"}, rt.Endpoints())
}

func TestFloatHandlers(t *testing.T) {
	var stored float64
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/x"}: GetFloat(func() (float64, error) { return stored, nil }),
		{Method: http.MethodPost, Path: "/x"}: SetFloat(func(f float64) error {
			if f < 0 {
				return errors.New("negative")
			}
			stored = f
			return nil
		}),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"f64": 2.5}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.5, stored)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.JSONEq(t, `{"f64": 2.5}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"f64": -1}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBoolAndStringHandlers(t *testing.T) {
	w := httptest.NewRecorder()
	GetBool(func() (bool, error) { return true, nil })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())

	w = httptest.NewRecorder()
	GetString(func() (string, error) { return "", errors.New("offline") })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var got int
	w = httptest.NewRecorder()
	SetInt(func(i int) error { got = i; return nil })(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"int": 3}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, got)
}
