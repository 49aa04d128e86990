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

// Package control is the device control gateway: typed requests and
// responses for every device operation, their HTTP server and client, and
// the prometheus text exposition of the device status.
//
// Callers identify themselves with a client handle id in the request
// header; the handle itself is opened and closed through the API. Device
// errors cross the wire as symbolic codes so the client side can rebuild
// the matching sentinel.
package control

import (
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

// ClientHeader is the request header carrying the caller's client handle id.
const ClientHeader = "X-Fabric-Client"

// OpenClientRequest opens a new client handle. The privileged flag is fixed
// for the handle's lifetime.
type OpenClientRequest struct {
	Privileged bool `json:"privileged,omitempty"`
}

// OpenClientResponse returns the new handle id.
type OpenClientResponse struct {
	ClientID string `json:"clientID"`
}

// LoadBitstreamRequest loads a bitstream payload. A nil SlotID lets the
// image metadata and slot occupancy pick the slot; NoWait selects the
// non-blocking admission policy.
type LoadBitstreamRequest struct {
	SlotID  *int   `json:"slotID,omitempty"`
	NoWait  bool   `json:"noWait,omitempty"`
	Payload []byte `json:"payload"`
}

// CreateContextRequest creates a hardware context. An inline payload makes
// the load and the context creation one request; without it the addressed
// slot must already hold a bitstream.
type CreateContextRequest struct {
	Payload []byte `json:"payload,omitempty"`
}

// CreateContextResponse returns the new context id, plus the load outcome
// when the request carried an inline image.
type CreateContextResponse struct {
	ContextID uint32           `json:"contextID"`
	Load      *fabric.LoadInfo `json:"load,omitempty"`
}

// SubmitCommandRequest submits one execution buffer.
type SubmitCommandRequest struct {
	CuMask  uint64 `json:"cuMask"`
	Payload []byte `json:"payload,omitempty"`
}

// SubmitCommandResponse returns the command id assigned at submission.
type SubmitCommandResponse struct {
	CommandID string `json:"commandID"`
}

// SetReadOnlyRangeRequest records the read-only window of a CU aperture,
// given as an offset and size within it.
type SetReadOnlyRangeRequest struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
}

// AieHandleRequest requests a partition handle.
type AieHandleRequest struct {
	Flags uint32 `json:"flags,omitempty"`
}

// AieFrequencyRequest adjusts one partition's clock.
type AieFrequencyRequest struct {
	FreqMHz uint64 `json:"freqMHz"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
