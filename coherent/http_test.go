package coherent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, m *Meter) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHTTPWrapper(m).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.String()
}

func post(t *testing.T, srv *httptest.Server, path, body string) int {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHTTPFloatRoundTrip(t *testing.T) {
	m, mock := connected(t, EnergyMax)
	srv := newTestServer(t, m)

	assert.Equal(t, http.StatusOK, post(t, srv, "/trigger/level", `{"f64": 4.5}`))
	var lvl float64
	mock.Set(func(m *MockInstrument) { lvl = m.TrigLevel })
	assert.Equal(t, 4.5, lvl)

	code, body := get(t, srv, "/trigger/level")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"f64": 4.5}`, body)
}

func TestHTTPUnsupportedIs404(t *testing.T) {
	m, _ := connected(t, PowerMax)
	srv := newTestServer(t, m)
	code, _ := get(t, srv, "/trigger/level")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, http.StatusNotFound, post(t, srv, "/statistics/enabled", `{"bool": true}`))

	code, _ = get(t, srv, "/auto-range")
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTPOfflineAndInit(t *testing.T) {
	mock := NewMockInstrument(PowerMax)
	mock.Unreachable = true
	m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
	srv := newTestServer(t, m)

	code, _ := get(t, srv, "/value")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv, "/init", ""))

	code, body := get(t, srv, "/state")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"str": "OFF"}`, body)

	mock.Set(func(m *MockInstrument) { m.Unreachable = false })
	assert.Equal(t, http.StatusOK, post(t, srv, "/init", ""))
	code, _ = get(t, srv, "/value")
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTPSample(t *testing.T) {
	m, _ := connected(t, EnergyMax)
	require.NoError(t, m.SetStatisticsEnabled(true))
	require.NoError(t, m.SetUnitScale(1))
	srv := newTestServer(t, m)

	code, body := get(t, srv, "/sample")
	require.Equal(t, http.StatusOK, code)
	var rd struct {
		Value      float64    `json:"value"`
		SeqID      int64      `json:"seqid"`
		Unit       string     `json:"unit"`
		Variant    string     `json:"variant"`
		Statistics Statistics `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &rd))
	assert.InDelta(t, 1.5, rd.Value, 1e-9)
	assert.Equal(t, "mJ", rd.Unit)
	assert.Equal(t, "EnergyMax", rd.Variant)
	assert.Equal(t, int64(1), rd.SeqID)
	assert.InDelta(t, 15., rd.Statistics.Dose, 1e-9)

	code, body = get(t, srv, "/statistics/dose")
	assert.Equal(t, http.StatusOK, code)
	var f struct {
		F64 float64 `json:"f64"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &f))
	assert.InDelta(t, 15., f.F64, 1e-9)
}

func TestHTTPAttributes(t *testing.T) {
	m, _ := connected(t, PowerMax)
	srv := newTestServer(t, m)
	code, body := get(t, srv, "/attributes")
	require.Equal(t, http.StatusOK, code)
	var attrs []Attribute
	require.NoError(t, json.Unmarshal([]byte(body), &attrs))
	assert.Len(t, attrs, len(AttributesFor(PowerMax)))
	for _, a := range attrs {
		assert.NotContains(t, a.Name, "trigger")
	}
}

func TestHTTPPassThrough(t *testing.T) {
	m, mock := connected(t, PowerMax)
	srv := newTestServer(t, m)
	assert.Equal(t, http.StatusOK, post(t, srv, "/command", `{"str": "CONFigure:RANGe:AUTO OFF"}`))
	auto := true
	mock.Set(func(m *MockInstrument) { auto = m.AutoRange })
	assert.False(t, auto)

	resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(`{"str": "*IDN?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var s struct {
		Str string `json:"str"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, mock.IDN, s.Str)
}

func TestHTTPBadBody(t *testing.T) {
	m, _ := connected(t, PowerMax)
	srv := newTestServer(t, m)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/wavelength", `{"f64": "green"}`))
}
