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
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

func TestErrorCode(t *testing.T) {
	tcases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "slot busy",
			err:            pkgerrors.Wrapf(fabric.ErrSlotBusy, "slot 0: 1 live hardware contexts"),
			expectedStatus: http.StatusConflict,
			expectedCode:   CodeSlotBusy,
		},
		{
			name:           "invalid bitstream",
			err:            fabric.ErrInvalidBitstream,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeInvalidBitstream,
		},
		{
			name:           "not found",
			err:            pkgerrors.Wrap(fabric.ErrNotFound, "unknown slot 7"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   CodeNotFound,
		},
		{
			name:           "already open",
			err:            fabric.ErrAlreadyOpen,
			expectedStatus: http.StatusConflict,
			expectedCode:   CodeAlreadyOpen,
		},
		{
			name:           "not open",
			err:            fabric.ErrNotOpen,
			expectedStatus: http.StatusConflict,
			expectedCode:   CodeNotOpen,
		},
		{
			name:           "stale context",
			err:            fabric.ErrStaleContext,
			expectedStatus: http.StatusConflict,
			expectedCode:   CodeStaleContext,
		},
		{
			name:           "denied",
			err:            fabric.ErrDenied,
			expectedStatus: http.StatusForbidden,
			expectedCode:   CodeDenied,
		},
		{
			name:           "fault",
			err:            fabric.ErrFault,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeFault,
		},
		{
			name:           "queue full",
			err:            pkgerrors.Wrap(scheduler.ErrQueueFull, "slot 0"),
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   CodeQueueFull,
		},
		{
			name:           "scheduler stopped",
			err:            scheduler.ErrStopped,
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   CodeStopped,
		},
		{
			name:           "aie busy",
			err:            aie.ErrBusy,
			expectedStatus: http.StatusConflict,
			expectedCode:   CodeAieBusy,
		},
		{
			name:           "aie unknown partition",
			err:            aie.ErrUnknownPartition,
			expectedStatus: http.StatusNotFound,
			expectedCode:   CodeNotFound,
		},
		{
			name:           "aie frequency range",
			err:            aie.ErrFrequencyRange,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeFrequencyRange,
		},
		{
			name:           "unclassified",
			err:            pkgerrors.New("programming failed"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   CodeInternal,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := errorCode(tc.err)
			if status != tc.expectedStatus {
				t.Errorf("expected status %d, got %d", tc.expectedStatus, status)
			}
			if code != tc.expectedCode {
				t.Errorf("expected code %q, got %q", tc.expectedCode, code)
			}
		})
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	err := error(&APIError{Status: http.StatusConflict, Code: CodeSlotBusy, Message: "slot busy"})

	if !errors.Is(err, fabric.ErrSlotBusy) {
		t.Error("expected APIError to match ErrSlotBusy")
	}
	if errors.Is(err, fabric.ErrNotFound) {
		t.Error("unexpected ErrNotFound match")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeSlotBusy {
		t.Errorf("unexpected decoded error: %+v", apiErr)
	}

	unknown := error(&APIError{Status: http.StatusTeapot, Code: "no-such-code"})
	if errors.Is(unknown, fabric.ErrSlotBusy) {
		t.Error("unknown code must not match any sentinel")
	}
}
