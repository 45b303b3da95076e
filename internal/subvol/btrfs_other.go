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

//go:build !linux

package subvol

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
)

// IsBtrfs reports whether path sits on a btrfs filesystem. Always false off
// Linux.
func IsBtrfs(path string) (bool, error) {
	return false, nil
}

type btrfsBackend struct{}

// NewBtrfs returns the btrfs Backend. Off Linux every operation fails with
// errdefs.ErrNotImplemented.
func NewBtrfs() Backend {
	return &btrfsBackend{}
}

func (b *btrfsBackend) Create(ctx context.Context, path string) error {
	return fmt.Errorf("btrfs subvolumes: %w", errdefs.ErrNotImplemented)
}

func (b *btrfsBackend) Snapshot(ctx context.Context, src, dst string) error {
	return fmt.Errorf("btrfs subvolumes: %w", errdefs.ErrNotImplemented)
}

func (b *btrfsBackend) Delete(ctx context.Context, path string) error {
	return fmt.Errorf("btrfs subvolumes: %w", errdefs.ErrNotImplemented)
}

func (b *btrfsBackend) Info(ctx context.Context, path string) (Info, error) {
	return Info{}, fmt.Errorf("btrfs subvolumes: %w", errdefs.ErrNotImplemented)
}

func (b *btrfsBackend) Send(ctx context.Context, w io.Writer, path, parent string) error {
	return fmt.Errorf("btrfs subvolumes: %w", errdefs.ErrNotImplemented)
}
