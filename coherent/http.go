package coherent

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nasa-jpl/pemsrv/generichttp"
	"github.com/nasa-jpl/pemsrv/generichttp/ascii"
	"github.com/nasa-jpl/pemsrv/server"
)

// HTTPWrapper provides HTTP bindings on top of a Meter.
//
// Every attribute in the table is routed at /<name>, GET to read it and POST
// to write it if it is writable.  Requests for an attribute the connected
// meter lacks are answered 404, and instrument attributes answer 503 while
// the meter is OFF.
type HTTPWrapper struct {
	// Meter is the underlying meter that HTTP requests are forwarded to
	Meter *Meter

	// RouteTable maps method-path pairs to http handlers
	RouteTable generichttp.RouteTable
}

// StatusOf maps an error from a Meter to an HTTP status code
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotSupported):
		return http.StatusNotFound
	case errors.Is(err, ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadValue):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoSample), errors.Is(err, ErrFieldUnavailable), errors.Is(err, ErrAggregation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(m *Meter) HTTPWrapper {
	w := HTTPWrapper{Meter: m, RouteTable: generichttp.RouteTable{}}
	get := func(name string, h http.HandlerFunc) {
		w.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/" + name}] = w.gate(name, h)
	}
	post := func(name string, h http.HandlerFunc) {
		w.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/" + name}] = w.gate(name, h)
	}

	get("device", generichttp.GetString(m.Identity))
	get("state", generichttp.GetString(func() (string, error) { return string(m.State()), nil }))
	get("status", generichttp.GetString(func() (string, error) { return m.Status(), nil }))
	get("unit", generichttp.GetString(m.Unit))
	get("unit-scale", generichttp.GetInt(m.GetUnitScale))
	post("unit-scale", generichttp.SetInt(m.SetUnitScale))

	get("value", generichttp.GetFloat(m.Value))
	get("sample", w.getSample)
	get("seqid", generichttp.GetInt(m.SeqID))
	get("mode", generichttp.GetInt(m.GetMode))
	post("mode", generichttp.SetInt(m.SetMode))
	get("wavelength", generichttp.GetFloat(m.GetWavelength))
	post("wavelength", generichttp.SetFloat(m.SetWavelength))
	get("gain-compensation", generichttp.GetBool(m.GetGainCompensation))
	post("gain-compensation", generichttp.SetBool(m.SetGainCompensation))
	get("gain-factor", generichttp.GetFloat(m.GetGainFactor))
	post("gain-factor", generichttp.SetFloat(m.SetGainFactor))
	get("range", generichttp.GetFloat(m.GetRange))
	post("range", generichttp.SetFloat(m.SetRange))

	get("trigger/source", generichttp.GetInt(m.GetTriggerSource))
	post("trigger/source", generichttp.SetInt(m.SetTriggerSource))
	get("trigger/level", generichttp.GetFloat(m.GetTriggerLevel))
	post("trigger/level", generichttp.SetFloat(m.SetTriggerLevel))
	get("trigger/slope", generichttp.GetInt(m.GetTriggerSlope))
	post("trigger/slope", generichttp.SetInt(m.SetTriggerSlope))
	get("trigger/delay", generichttp.GetFloat(m.GetTriggerDelay))
	post("trigger/delay", generichttp.SetFloat(m.SetTriggerDelay))
	get("statistics/enabled", generichttp.GetBool(m.GetStatisticsEnabled))
	post("statistics/enabled", generichttp.SetBool(m.SetStatisticsEnabled))
	get("statistics/batch-size", generichttp.GetInt(m.GetBatchSize))
	post("statistics/batch-size", generichttp.SetInt(m.SetBatchSize))
	get("statistics/min", generichttp.GetFloat(m.StatMin))
	get("statistics/max", generichttp.GetFloat(m.StatMax))
	get("statistics/std", generichttp.GetFloat(m.StatStd))
	get("statistics/dose", generichttp.GetFloat(m.StatDose))
	get("statistics/missed", generichttp.GetInt(m.StatMissed))
	get("period", generichttp.GetInt(m.Period))

	get("auto-range", generichttp.GetBool(m.GetAutoRange))
	post("auto-range", generichttp.SetBool(m.SetAutoRange))
	get("history/mean", generichttp.GetFloat(m.HistoryMean))
	get("history/std-percent", generichttp.GetFloat(m.HistoryStdPercent))
	get("history/min", generichttp.GetFloat(m.HistoryMin))
	get("history/max", generichttp.GetFloat(m.HistoryMax))
	get("history/depth", generichttp.GetInt(m.GetHistoryDepth))
	post("history/depth", generichttp.SetInt(m.SetHistoryDepth))

	w.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/attributes"}] = w.getAttributes
	w.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/init"}] = w.postInit
	ascii.InjectRawComm(w, m)
	return w
}

// gate refuses requests for attributes that cannot be served right now
func (h HTTPWrapper) gate(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Meter.Supports(name); err != nil {
			http.Error(w, err.Error(), StatusOf(err))
			return
		}
		next(w, r)
	}
}

func (h HTTPWrapper) getSample(w http.ResponseWriter, r *http.Request) {
	rd, err := h.Meter.Reading()
	if err != nil {
		http.Error(w, err.Error(), StatusOf(err))
		return
	}
	server.EncodeJSON(w, r, rd)
}

func (h HTTPWrapper) getAttributes(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, r, h.Meter.Attributes())
}

func (h HTTPWrapper) postInit(w http.ResponseWriter, r *http.Request) {
	if err := h.Meter.Connect(); err != nil {
		zap.L().Warn("reconnection failed", zap.String("addr", h.Meter.Addr()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}
