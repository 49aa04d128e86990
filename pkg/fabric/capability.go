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

// admitPrivileged admits an operation only for privileged client handles.
// Single stateless check, no retry semantics.
func admitPrivileged(op string, client *Client) error {
	if !client.privileged {
		return errors.Wrapf(ErrDenied, "%s requires a privileged client", op)
	}

	return nil
}
