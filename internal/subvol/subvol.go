/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package subvol manages copy-on-write subvolumes and their snapshot
// lineages.
//
// All filesystem-specific behavior sits behind the Backend interface. The
// btrfs backend drives the kernel ioctls directly; the copy backend emulates
// subvolumes with plain directories so the rest of the engine runs on any
// filesystem and inside tests.
package subvol

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrCycle is wrapped into the error returned when a snapshot lineage refers
// back to a subvolume already visited.
var ErrCycle = errors.New("subvolume lineage cycle")

// Info describes a single subvolume.
type Info struct {
	// TreeID is the backend's numeric id for the subvolume.
	TreeID uint64
	// Name is the final path element of the subvolume.
	Name string
	// UUID identifies the subvolume.
	UUID uuid.UUID
	// ParentUUID names the snapshot source, zero for subvolumes created
	// from scratch.
	ParentUUID uuid.UUID
	// ParentID is the backend's numeric id for the snapshot source, zero
	// when ParentUUID is zero.
	ParentID uint64
	// Generation is the backend generation that last touched the
	// subvolume.
	Generation uint64
	// CTransID is the transaction id recorded at the last change.
	CTransID uint64
	// OTime is the creation time.
	OTime time.Time
}

// Backend supplies subvolume primitives for one filesystem flavor.
// Implementations are not safe for concurrent use; callers serialize.
type Backend interface {
	// Create makes a new empty subvolume at path.
	Create(ctx context.Context, path string) error
	// Snapshot makes a writable snapshot of src at dst.
	Snapshot(ctx context.Context, src, dst string) error
	// Delete removes the subvolume at path.
	Delete(ctx context.Context, path string) error
	// Info describes the subvolume at path.
	Info(ctx context.Context, path string) (Info, error)
	// Send writes the subvolume's serialized transcript to w. A non-empty
	// parent names the snapshot source subvolume and switches the
	// transcript to an incremental one led by a snapshot command.
	Send(ctx context.Context, w io.Writer, path, parent string) error
}
