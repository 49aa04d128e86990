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

package fabric

import (
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

// ExecBuffer is one execution buffer submission. Bit i of CuMask selects
// aperture position i of the addressed slot; the payload is opaque to the
// control plane.
type ExecBuffer struct {
	CuMask  uint64 `json:"cuMask"`
	Payload []byte `json:"payload,omitempty"`
}

// SubmitExecBuffer submits a command against a slot directly, the
// pre-hardware-context addressing model. The command is tagged with the
// slot's current generation; the tag keeps the slot's pending count up until
// the scheduler reports completion.
func (d *Device) SubmitExecBuffer(clientID string, slotID int, buf ExecBuffer) (string, error) {
	client, err := d.lookupClient(clientID)
	if err != nil {
		return "", err
	}

	s, err := d.slotByID(slotID)
	if err != nil {
		return "", err
	}

	generation, err := s.admitCommand(buf.CuMask)
	if err != nil {
		return "", err
	}

	return d.enqueue(client, s, generation, buf)
}

// SubmitContextExecBuffer submits a command through a hardware context owned
// by the requesting client. The context's bound generation is checked
// against the slot's current one and a mismatch fails with ErrStaleContext.
func (d *Device) SubmitContextExecBuffer(clientID string, ctxID uint32, buf ExecBuffer) (string, error) {
	client, ctx, err := d.lookupOwnedContext(clientID, ctxID)
	if err != nil {
		return "", err
	}

	generation, err := ctx.slot.admitBoundCommand(ctx.generation, buf.CuMask)
	if err != nil {
		return "", err
	}

	return d.enqueue(client, ctx.slot, generation, buf)
}

// enqueue hands the admitted command to the scheduler. A rejected submission
// rolls the slot's pending count back, so a failed submit leaves no trace.
func (d *Device) enqueue(client *Client, s *slot, generation uint64, buf ExecBuffer) (string, error) {
	cmd := &scheduler.Command{
		ID:          xid.New().String(),
		SlotID:      s.id,
		CuMask:      buf.CuMask,
		Generation:  generation,
		PayloadSize: len(buf.Payload),
		OnComplete: func(done *scheduler.Command) {
			s.completeCommand(done.Generation)
			client.noteCommandCompleted()

			klog.V(4).Infof("command %s on slot %d finished: %s", done.ID, done.SlotID, done.State)
		},
	}

	if err := d.scheduler.Submit(cmd); err != nil {
		s.completeCommand(generation)

		return "", errors.Wrapf(err, "slot %d: command submission rejected", s.id)
	}

	client.noteCommandSubmitted()

	klog.V(4).Infof("command %s submitted to slot %d, generation %d, cu mask %#x",
		cmd.ID, s.id, generation, buf.CuMask)

	return cmd.ID, nil
}
