// Package ascii contains some injectable HTTP interfaces to ASCII hardare
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/pemsrv/generichttp"
	"github.com/nasa-jpl/pemsrv/server"
)

// RawCommunicator forwards lines to a device verbatim.  Command expects no
// reply, Query returns the reply line.
type RawCommunicator interface {
	Command(string) error
	Query(string) (string, error)
}

// RawWrapper is a wrapper around a raw communicator
type RawWrapper struct {
	Comm RawCommunicator
}

// HTTPCommand forwards {"str": line} as a command and replies 200 with no body
func (rw RawWrapper) HTTPCommand(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = rw.Comm.Command(str.Str); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPQuery forwards {"str": line} as a query and replies with {"str": reply}
func (rw RawWrapper) HTTPQuery(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := rw.Comm.Query(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: resp}
	hp.EncodeAndRespond(w, r)
}

// InjectRawComm injects /command and /query POST routes into the route table of an HTTPer
func InjectRawComm(other generichttp.HTTPer, raw RawCommunicator) {
	wrap := RawWrapper{Comm: raw}
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/command"}] = wrap.HTTPCommand
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/query"}] = wrap.HTTPQuery
}
