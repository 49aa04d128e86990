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
)

// Control-plane errors. Operations wrap these with request detail; callers
// match them with errors.Is.
var (
	// ErrSlotBusy rejects a bitstream swap while the slot still has live
	// hardware contexts or undrained commands.
	ErrSlotBusy = errors.New("slot busy")

	// ErrInvalidBitstream is reported by the image loader for payloads
	// that fail validation.
	ErrInvalidBitstream = errors.New("invalid bitstream")

	// ErrNotFound covers unknown slots, contexts, CU indices and client
	// handles.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyOpen rejects a duplicate CU context open.
	ErrAlreadyOpen = errors.New("cu context already open")

	// ErrNotOpen rejects closing a CU context that is not open.
	ErrNotOpen = errors.New("cu context not open")

	// ErrStaleContext rejects a submission whose hardware context is bound
	// to a superseded bitstream generation. The swap protocol makes this
	// unreachable while the context is live; the check stays as a guard.
	ErrStaleContext = errors.New("stale hardware context")

	// ErrDenied rejects a privileged operation from an unprivileged client.
	ErrDenied = errors.New("permission denied")

	// ErrFault reports a failed copy of the caller's request payload.
	ErrFault = errors.New("payload copy fault")
)
