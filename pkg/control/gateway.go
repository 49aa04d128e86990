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
	"io"

	"github.com/pkg/errors"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

// Gateway turns typed control requests into device operations. It is the
// only dispatch layer: the HTTP server decodes and delegates here, and the
// device never sees transport detail.
type Gateway struct {
	device *fabric.Device
}

// NewGateway wraps a device.
func NewGateway(device *fabric.Device) *Gateway {
	return &Gateway{device: device}
}

// decodeRequest materializes a typed request from the caller's stream. A
// read or decode failure maps to ErrFault and no device state is touched.
func decodeRequest(r io.Reader, into interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(fabric.ErrFault, err.Error())
	}

	if err := json.Unmarshal(data, into); err != nil {
		return errors.Wrap(fabric.ErrFault, err.Error())
	}

	return nil
}

// OpenClient opens a client handle.
func (g *Gateway) OpenClient(req OpenClientRequest) OpenClientResponse {
	return OpenClientResponse{ClientID: g.device.OpenClient(req.Privileged)}
}

// CloseClient closes a client handle, destroying everything it owns.
func (g *Gateway) CloseClient(clientID string) error {
	return g.device.CloseClient(clientID)
}

// ClientInfo reports one client handle.
func (g *Gateway) ClientInfo(clientID string) (fabric.ClientInfo, error) {
	return g.device.ClientInfo(clientID)
}

// LoadBitstream loads a bitstream, blocking on the slot's admission lock
// unless the request selected the non-blocking policy.
func (g *Gateway) LoadBitstream(clientID string, req LoadBitstreamRequest) (*fabric.LoadInfo, error) {
	slotID := -1
	if req.SlotID != nil {
		slotID = *req.SlotID
	}

	if req.NoWait {
		return g.device.TryLoadBitstream(clientID, slotID, req.Payload)
	}

	return g.device.LoadBitstream(clientID, slotID, req.Payload)
}

// CreateContext creates a hardware context on an already loaded slot.
func (g *Gateway) CreateContext(clientID string, slotID int) (CreateContextResponse, error) {
	ctxID, err := g.device.CreateHardwareContext(clientID, slotID)
	if err != nil {
		return CreateContextResponse{}, err
	}

	return CreateContextResponse{ContextID: ctxID}, nil
}

// CreateContextWithImage loads the inline image and creates a context on
// the slot that received it. A failed creation after a successful load
// still reports the load outcome.
func (g *Gateway) CreateContextWithImage(clientID string, req CreateContextRequest) (CreateContextResponse, error) {
	ctxID, info, err := g.device.CreateHardwareContextWithImage(clientID, req.Payload)
	if err != nil {
		return CreateContextResponse{Load: info}, err
	}

	return CreateContextResponse{ContextID: ctxID, Load: info}, nil
}

// DestroyContext destroys a hardware context owned by the caller.
func (g *Gateway) DestroyContext(clientID string, ctxID uint32) error {
	return g.device.DestroyHardwareContext(clientID, ctxID)
}

// Contexts lists the device's live hardware contexts.
func (g *Gateway) Contexts() []fabric.HardwareContextInfo {
	return g.device.HardwareContexts()
}

// OpenCuContext opens a CU sub-context.
func (g *Gateway) OpenCuContext(clientID string, ctxID, cuIndex uint32) error {
	return g.device.OpenCuContext(clientID, ctxID, cuIndex)
}

// CloseCuContext closes a CU sub-context.
func (g *Gateway) CloseCuContext(clientID string, ctxID, cuIndex uint32) error {
	return g.device.CloseCuContext(clientID, ctxID, cuIndex)
}

// SubmitSlotCommand submits an execution buffer against a slot directly.
func (g *Gateway) SubmitSlotCommand(clientID string, slotID int, req SubmitCommandRequest) (SubmitCommandResponse, error) {
	id, err := g.device.SubmitExecBuffer(clientID, slotID, fabric.ExecBuffer{
		CuMask:  req.CuMask,
		Payload: req.Payload,
	})
	if err != nil {
		return SubmitCommandResponse{}, err
	}

	return SubmitCommandResponse{CommandID: id}, nil
}

// SubmitContextCommand submits an execution buffer through a hardware
// context owned by the caller.
func (g *Gateway) SubmitContextCommand(clientID string, ctxID uint32, req SubmitCommandRequest) (SubmitCommandResponse, error) {
	id, err := g.device.SubmitContextExecBuffer(clientID, ctxID, fabric.ExecBuffer{
		CuMask:  req.CuMask,
		Payload: req.Payload,
	})
	if err != nil {
		return SubmitCommandResponse{}, err
	}

	return SubmitCommandResponse{CommandID: id}, nil
}

// ResolveCuByIndex maps a CU index to its aperture within the slot.
func (g *Gateway) ResolveCuByIndex(slotID int, cuIndex uint32) (fabric.ApertureInfo, error) {
	return g.device.ResolveCuByIndex(slotID, cuIndex)
}

// ResolveCuByAddress maps a physical address to the containing aperture.
func (g *Gateway) ResolveCuByAddress(slotID int, address uint64) (fabric.ApertureInfo, error) {
	return g.device.ResolveCuByAddress(slotID, address)
}

// SetCuReadOnlyRange records a CU aperture's read-only window.
func (g *Gateway) SetCuReadOnlyRange(clientID string, cuIndex uint32, req SetReadOnlyRangeRequest) error {
	return g.device.SetCuReadOnlyRange(clientID, cuIndex, req.Start, req.Size)
}

// InjectError forwards an error descriptor to the device fault injector.
func (g *Gateway) InjectError(clientID string, desc fabric.ErrorDescriptor) error {
	return g.device.InjectError(clientID, desc)
}

// Errors returns the device error journal.
func (g *Gateway) Errors() []fabric.ErrorRecord {
	return g.device.Errors()
}

// AieRequestHandle grants the caller an AI engine partition handle.
func (g *Gateway) AieRequestHandle(clientID string, partitionID int, req AieHandleRequest) (*aie.Handle, error) {
	return g.device.AieRequestPartitionHandle(clientID, partitionID, req.Flags)
}

// AieReleaseHandle releases a partition handle held by the caller.
func (g *Gateway) AieReleaseHandle(clientID string, handleID uint32) error {
	return g.device.AieReleasePartitionHandle(clientID, handleID)
}

// AieReset resets the AI engine array.
func (g *Gateway) AieReset(clientID string) error {
	return g.device.AieReset(clientID)
}

// AieSetFrequency adjusts one partition's clock.
func (g *Gateway) AieSetFrequency(clientID string, partitionID int, req AieFrequencyRequest) error {
	return g.device.AieSetFrequency(clientID, partitionID, req.FreqMHz)
}

// Status reports the whole device.
func (g *Gateway) Status() fabric.DeviceStatus {
	return g.device.Status()
}
