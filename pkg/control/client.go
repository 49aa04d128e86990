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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

// Client talks to a control server. Failed requests come back as *APIError,
// so errors.Is against the device sentinels works across the wire.
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://127.0.0.1:9150".
func NewClient(base string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// do runs one request and decodes the response into into (ignored when
// nil). Non-OK responses are decoded into *APIError.
func (c *Client) do(ctx context.Context, method, path, clientID string, body, into interface{}) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s %s: request encoding", method, path)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if clientID != "" {
		req.Header.Set(ClientHeader, clientID)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "%s %s: response read", method, path)
	}

	if res.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Code != "" {
			return &APIError{Status: res.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
		}

		return errors.Errorf("%s %s: unexpected status %d", method, path, res.StatusCode)
	}

	if into != nil {
		if err := json.Unmarshal(data, into); err != nil {
			return errors.Wrapf(err, "%s %s: response decoding", method, path)
		}
	}

	return nil
}

// OpenClient opens a client handle on the device.
func (c *Client) OpenClient(ctx context.Context, privileged bool) (string, error) {
	var resp OpenClientResponse

	err := c.do(ctx, http.MethodPost, "/api/clients", "", OpenClientRequest{Privileged: privileged}, &resp)
	if err != nil {
		return "", err
	}

	return resp.ClientID, nil
}

// CloseClient closes a client handle.
func (c *Client) CloseClient(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodDelete, "/api/clients/"+clientID, "", nil, nil)
}

// ClientInfo reports one client handle.
func (c *Client) ClientInfo(ctx context.Context, clientID string) (fabric.ClientInfo, error) {
	var info fabric.ClientInfo

	err := c.do(ctx, http.MethodGet, "/api/clients/"+clientID, "", nil, &info)

	return info, err
}

// LoadBitstream loads a bitstream payload.
func (c *Client) LoadBitstream(ctx context.Context, clientID string, req LoadBitstreamRequest) (*fabric.LoadInfo, error) {
	var info fabric.LoadInfo

	err := c.do(ctx, http.MethodPost, "/api/bitstreams", clientID, req, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// CreateContext creates a hardware context on an already loaded slot.
func (c *Client) CreateContext(ctx context.Context, clientID string, slotID int) (CreateContextResponse, error) {
	var resp CreateContextResponse

	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/slots/%d/contexts", slotID), clientID, nil, &resp)

	return resp, err
}

// CreateContextWithImage loads the inline image and creates a context on
// the receiving slot.
func (c *Client) CreateContextWithImage(ctx context.Context, clientID string, payload []byte) (CreateContextResponse, error) {
	var resp CreateContextResponse

	err := c.do(ctx, http.MethodPost, "/api/contexts", clientID, CreateContextRequest{Payload: payload}, &resp)

	return resp, err
}

// DestroyContext destroys a hardware context.
func (c *Client) DestroyContext(ctx context.Context, clientID string, ctxID uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/contexts/%d", ctxID), clientID, nil, nil)
}

// Contexts lists the device's live hardware contexts.
func (c *Client) Contexts(ctx context.Context) ([]fabric.HardwareContextInfo, error) {
	var infos []fabric.HardwareContextInfo

	err := c.do(ctx, http.MethodGet, "/api/contexts", "", nil, &infos)

	return infos, err
}

// OpenCuContext opens a CU sub-context.
func (c *Client) OpenCuContext(ctx context.Context, clientID string, ctxID, cuIndex uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/contexts/%d/cus/%d", ctxID, cuIndex), clientID, nil, nil)
}

// CloseCuContext closes a CU sub-context.
func (c *Client) CloseCuContext(ctx context.Context, clientID string, ctxID, cuIndex uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/contexts/%d/cus/%d", ctxID, cuIndex), clientID, nil, nil)
}

// SubmitSlotCommand submits an execution buffer against a slot directly.
func (c *Client) SubmitSlotCommand(ctx context.Context, clientID string, slotID int, req SubmitCommandRequest) (string, error) {
	var resp SubmitCommandResponse

	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/slots/%d/commands", slotID), clientID, req, &resp)
	if err != nil {
		return "", err
	}

	return resp.CommandID, nil
}

// SubmitContextCommand submits an execution buffer through a hardware
// context.
func (c *Client) SubmitContextCommand(ctx context.Context, clientID string, ctxID uint32, req SubmitCommandRequest) (string, error) {
	var resp SubmitCommandResponse

	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/contexts/%d/commands", ctxID), clientID, req, &resp)
	if err != nil {
		return "", err
	}

	return resp.CommandID, nil
}

// ResolveCuByIndex maps a CU index to its aperture within the slot.
func (c *Client) ResolveCuByIndex(ctx context.Context, slotID int, cuIndex uint32) (fabric.ApertureInfo, error) {
	var info fabric.ApertureInfo

	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/slots/%d/cus/%d", slotID, cuIndex), "", nil, &info)

	return info, err
}

// ResolveCuByAddress maps a physical address to the containing aperture.
func (c *Client) ResolveCuByAddress(ctx context.Context, slotID int, address uint64) (fabric.ApertureInfo, error) {
	var info fabric.ApertureInfo

	path := fmt.Sprintf("/api/slots/%d/apertures?address=%#x", slotID, address)
	err := c.do(ctx, http.MethodGet, path, "", nil, &info)

	return info, err
}

// SetCuReadOnlyRange records a CU aperture's read-only window.
func (c *Client) SetCuReadOnlyRange(ctx context.Context, clientID string, cuIndex uint32, req SetReadOnlyRangeRequest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/cus/%d/read-only-range", cuIndex), clientID, req, nil)
}

// InjectError forwards an error descriptor to the device fault injector.
func (c *Client) InjectError(ctx context.Context, clientID string, desc fabric.ErrorDescriptor) error {
	return c.do(ctx, http.MethodPost, "/api/errors", clientID, desc, nil)
}

// Errors returns the device error journal.
func (c *Client) Errors(ctx context.Context) ([]fabric.ErrorRecord, error) {
	var records []fabric.ErrorRecord

	err := c.do(ctx, http.MethodGet, "/api/errors", "", nil, &records)

	return records, err
}

// AieRequestHandle grants the caller an AI engine partition handle.
func (c *Client) AieRequestHandle(ctx context.Context, clientID string, partitionID int, flags uint32) (*aie.Handle, error) {
	var handle aie.Handle

	path := fmt.Sprintf("/api/aie/partitions/%d/handles", partitionID)

	err := c.do(ctx, http.MethodPost, path, clientID, AieHandleRequest{Flags: flags}, &handle)
	if err != nil {
		return nil, err
	}

	return &handle, nil
}

// AieReleaseHandle releases a partition handle.
func (c *Client) AieReleaseHandle(ctx context.Context, clientID string, handleID uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/aie/handles/%d", handleID), clientID, nil, nil)
}

// AieReset resets the AI engine array.
func (c *Client) AieReset(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodPost, "/api/aie/reset", clientID, nil, nil)
}

// AieSetFrequency adjusts one partition's clock.
func (c *Client) AieSetFrequency(ctx context.Context, clientID string, partitionID int, freqMHz uint64) error {
	path := fmt.Sprintf("/api/aie/partitions/%d/frequency", partitionID)

	return c.do(ctx, http.MethodPut, path, clientID, AieFrequencyRequest{FreqMHz: freqMHz}, nil)
}

// Status reports the whole device.
func (c *Client) Status(ctx context.Context) (fabric.DeviceStatus, error) {
	var status fabric.DeviceStatus

	err := c.do(ctx, http.MethodGet, "/api/status", "", nil, &status)

	return status, err
}
