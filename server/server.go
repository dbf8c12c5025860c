// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"

	"go.uber.org/zap"
)

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types a device may work with
// and a T field naming which one is populated
type HumanPayload struct {
	// T is the type of the payload
	T types.BasicKind

	Bool   bool
	Int    int
	Float  float64
	String string
}

// wire returns the single-field JSON object for the populated value
func (hp HumanPayload) wire() (interface{}, error) {
	switch hp.T {
	case types.Bool:
		return BoolT{Bool: hp.Bool}, nil
	case types.Int:
		return IntT{Int: hp.Int}, nil
	case types.Float64:
		return FloatT{F64: hp.Float}, nil
	case types.String:
		return StrT{Str: hp.String}, nil
	}
	return nil, fmt.Errorf("payload kind %v is not supported", hp.T)
}

// EncodeAndRespond Encodes the data to JSON and writes to w.
// logs errors and replies with http.Error // status 500 on error
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	obj, err := hp.wire()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err = json.NewEncoder(w).Encode(obj); err != nil {
		zap.L().Error("encoding payload", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// EncodeJSON writes any value as a JSON response with status 200
func EncodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encoding response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}
