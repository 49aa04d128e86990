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
	"errors"
	"fmt"
	"net/http"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

// Symbolic error codes carried in ErrorResponse. The set is part of the
// wire contract; the client side maps them back to the device sentinels.
const (
	CodeSlotBusy         = "slot-busy"
	CodeInvalidBitstream = "invalid-bitstream"
	CodeNotFound         = "not-found"
	CodeAlreadyOpen      = "already-open"
	CodeNotOpen          = "not-open"
	CodeStaleContext     = "stale-context"
	CodeDenied           = "denied"
	CodeFault            = "fault"
	CodeQueueFull        = "queue-full"
	CodeStopped          = "scheduler-stopped"
	CodeAieBusy          = "aie-busy"
	CodeFrequencyRange   = "frequency-range"
	CodeInternal         = "internal"
)

// errorCode maps a device error to its HTTP status and symbolic code.
// Anything outside the known taxonomy is an internal failure.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, fabric.ErrSlotBusy):
		return http.StatusConflict, CodeSlotBusy
	case errors.Is(err, fabric.ErrInvalidBitstream):
		return http.StatusBadRequest, CodeInvalidBitstream
	case errors.Is(err, fabric.ErrNotFound),
		errors.Is(err, aie.ErrUnknownPartition),
		errors.Is(err, aie.ErrUnknownHandle):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, fabric.ErrAlreadyOpen):
		return http.StatusConflict, CodeAlreadyOpen
	case errors.Is(err, fabric.ErrNotOpen):
		return http.StatusConflict, CodeNotOpen
	case errors.Is(err, fabric.ErrStaleContext):
		return http.StatusConflict, CodeStaleContext
	case errors.Is(err, fabric.ErrDenied):
		return http.StatusForbidden, CodeDenied
	case errors.Is(err, fabric.ErrFault):
		return http.StatusBadRequest, CodeFault
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests, CodeQueueFull
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, CodeStopped
	case errors.Is(err, aie.ErrBusy):
		return http.StatusConflict, CodeAieBusy
	case errors.Is(err, aie.ErrFrequencyRange):
		return http.StatusBadRequest, CodeFrequencyRange
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// codeSentinel rebuilds the device sentinel matching a symbolic code, so
// client-side errors.Is works across the wire. Unknown codes map to nil.
func codeSentinel(code string) error {
	switch code {
	case CodeSlotBusy:
		return fabric.ErrSlotBusy
	case CodeInvalidBitstream:
		return fabric.ErrInvalidBitstream
	case CodeNotFound:
		return fabric.ErrNotFound
	case CodeAlreadyOpen:
		return fabric.ErrAlreadyOpen
	case CodeNotOpen:
		return fabric.ErrNotOpen
	case CodeStaleContext:
		return fabric.ErrStaleContext
	case CodeDenied:
		return fabric.ErrDenied
	case CodeFault:
		return fabric.ErrFault
	case CodeQueueFull:
		return scheduler.ErrQueueFull
	case CodeStopped:
		return scheduler.ErrStopped
	case CodeAieBusy:
		return aie.ErrBusy
	case CodeFrequencyRange:
		return aie.ErrFrequencyRange
	default:
		return nil
	}
}

// APIError is a failed control request as seen by the HTTP client. It
// unwraps to the device sentinel named by its code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Unwrap exposes the sentinel behind the symbolic code.
func (e *APIError) Unwrap() error {
	return codeSentinel(e.Code)
}
