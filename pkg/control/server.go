// Copyright 2024 The Fabric Device Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

// Server exposes the control gateway over HTTP.
type Server struct {
	gateway *Gateway
	router  *mux.Router
}

// NewServer builds the route table for a device.
func NewServer(device *fabric.Device) *Server {
	s := &Server{
		gateway: NewGateway(device),
		router:  mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/clients", s.openClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{client}", s.clientInfo).Methods(http.MethodGet)
	api.HandleFunc("/clients/{client}", s.closeClient).Methods(http.MethodDelete)

	api.HandleFunc("/bitstreams", s.loadBitstream).Methods(http.MethodPost)

	api.HandleFunc("/contexts", s.createContextWithImage).Methods(http.MethodPost)
	api.HandleFunc("/contexts", s.listContexts).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{ctx}", s.destroyContext).Methods(http.MethodDelete)
	api.HandleFunc("/contexts/{ctx}/cus/{cu}", s.openCuContext).Methods(http.MethodPost)
	api.HandleFunc("/contexts/{ctx}/cus/{cu}", s.closeCuContext).Methods(http.MethodDelete)
	api.HandleFunc("/contexts/{ctx}/commands", s.submitContextCommand).Methods(http.MethodPost)

	api.HandleFunc("/slots/{slot}/contexts", s.createContext).Methods(http.MethodPost)
	api.HandleFunc("/slots/{slot}/commands", s.submitSlotCommand).Methods(http.MethodPost)
	api.HandleFunc("/slots/{slot}/cus/{cu}", s.resolveCuByIndex).Methods(http.MethodGet)
	api.HandleFunc("/slots/{slot}/apertures", s.resolveCuByAddress).Methods(http.MethodGet)

	api.HandleFunc("/cus/{cu}/read-only-range", s.setCuReadOnlyRange).Methods(http.MethodPut)

	api.HandleFunc("/errors", s.injectError).Methods(http.MethodPost)
	api.HandleFunc("/errors", s.listErrors).Methods(http.MethodGet)

	api.HandleFunc("/aie/partitions/{partition}/handles", s.aieRequestHandle).Methods(http.MethodPost)
	api.HandleFunc("/aie/partitions/{partition}/frequency", s.aieSetFrequency).Methods(http.MethodPut)
	api.HandleFunc("/aie/handles/{handle}", s.aieReleaseHandle).Methods(http.MethodDelete)
	api.HandleFunc("/aie/reset", s.aieReset).Methods(http.MethodPost)

	api.HandleFunc("/status", s.status).Methods(http.MethodGet)

	s.router.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// callerID extracts the caller's client handle id. Operations that need one
// treat a missing header like any unknown handle.
func callerID(r *http.Request) string {
	return r.Header.Get(ClientHeader)
}

// pathInt parses a numeric path variable. Failures map to ErrFault: the
// typed request could not be materialized from the caller's form.
func pathInt(r *http.Request, name string) (int, error) {
	raw := mux.Vars(r)[name]

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(fabric.ErrFault, "bad %s %q", name, raw)
	}

	return value, nil
}

func pathUint32(r *http.Request, name string) (uint32, error) {
	raw := mux.Vars(r)[name]

	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(fabric.ErrFault, "bad %s %q", name, raw)
	}

	return uint32(value), nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.Errorf("response encoding failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorCode(err)

	klog.V(2).Infof("%s %s failed: %v", r.Method, r.URL.Path, err)

	writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

func (s *Server) openClient(w http.ResponseWriter, r *http.Request) {
	var req OpenClientRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.gateway.OpenClient(req))
}

func (s *Server) clientInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.ClientInfo(mux.Vars(r)["client"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) closeClient(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.CloseClient(mux.Vars(r)["client"]); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) loadBitstream(w http.ResponseWriter, r *http.Request) {
	var req LoadBitstreamRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.gateway.LoadBitstream(callerID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) createContext(w http.ResponseWriter, r *http.Request) {
	slotID, err := pathInt(r, "slot")
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.gateway.CreateContext(callerID(r), slotID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createContextWithImage(w http.ResponseWriter, r *http.Request) {
	var req CreateContextRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.gateway.CreateContextWithImage(callerID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) destroyContext(w http.ResponseWriter, r *http.Request) {
	ctxID, err := pathUint32(r, "ctx")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.DestroyContext(callerID(r), ctxID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) listContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Contexts())
}

func (s *Server) openCuContext(w http.ResponseWriter, r *http.Request) {
	ctxID, err := pathUint32(r, "ctx")
	if err != nil {
		writeError(w, r, err)
		return
	}

	cuIndex, err := pathUint32(r, "cu")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.OpenCuContext(callerID(r), ctxID, cuIndex); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) closeCuContext(w http.ResponseWriter, r *http.Request) {
	ctxID, err := pathUint32(r, "ctx")
	if err != nil {
		writeError(w, r, err)
		return
	}

	cuIndex, err := pathUint32(r, "cu")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.CloseCuContext(callerID(r), ctxID, cuIndex); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) submitSlotCommand(w http.ResponseWriter, r *http.Request) {
	slotID, err := pathInt(r, "slot")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req SubmitCommandRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.gateway.SubmitSlotCommand(callerID(r), slotID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) submitContextCommand(w http.ResponseWriter, r *http.Request) {
	ctxID, err := pathUint32(r, "ctx")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req SubmitCommandRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.gateway.SubmitContextCommand(callerID(r), ctxID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolveCuByIndex(w http.ResponseWriter, r *http.Request) {
	slotID, err := pathInt(r, "slot")
	if err != nil {
		writeError(w, r, err)
		return
	}

	cuIndex, err := pathUint32(r, "cu")
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.gateway.ResolveCuByIndex(slotID, cuIndex)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) resolveCuByAddress(w http.ResponseWriter, r *http.Request) {
	slotID, err := pathInt(r, "slot")
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw := r.URL.Query().Get("address")

	address, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		writeError(w, r, errors.Wrapf(fabric.ErrFault, "bad address %q", raw))
		return
	}

	info, err := s.gateway.ResolveCuByAddress(slotID, address)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) setCuReadOnlyRange(w http.ResponseWriter, r *http.Request) {
	cuIndex, err := pathUint32(r, "cu")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req SetReadOnlyRangeRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.SetCuReadOnlyRange(callerID(r), cuIndex, req); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) injectError(w http.ResponseWriter, r *http.Request) {
	var desc fabric.ErrorDescriptor
	if err := decodeRequest(r.Body, &desc); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.InjectError(callerID(r), desc); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Errors())
}

func (s *Server) aieRequestHandle(w http.ResponseWriter, r *http.Request) {
	partitionID, err := pathInt(r, "partition")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req AieHandleRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	handle, err := s.gateway.AieRequestHandle(callerID(r), partitionID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) aieReleaseHandle(w http.ResponseWriter, r *http.Request) {
	handleID, err := pathUint32(r, "handle")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.AieReleaseHandle(callerID(r), handleID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) aieReset(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.AieReset(callerID(r)); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) aieSetFrequency(w http.ResponseWriter, r *http.Request) {
	partitionID, err := pathInt(r, "partition")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req AieFrequencyRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.AieSetFrequency(callerID(r), partitionID, req); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Status())
}
