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

// Package identifiers validates the names accepted for images, subvolumes and
// process snapshots.
//
// The character set is restricted so that every accepted name is safe to use
// as a single path component under the repository root: alphanumeric labels
// joined by single dots, dashes or underscores. Layer identifiers (64 hex
// digits) and user-chosen image names both fall inside this set.
package identifiers

import (
	"fmt"
	"regexp"

	"github.com/containerd/errdefs"
)

const maxLength = 128

var nameRe = regexp.MustCompile(`^[A-Za-z0-9]+(?:[._-][A-Za-z0-9]+)*$`)

// Validate returns nil if s is usable as an image or subvolume name.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("name must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if len(s) > maxLength {
		return fmt.Errorf("name %q exceeds %d characters: %w", s, maxLength, errdefs.ErrInvalidArgument)
	}
	if !nameRe.MatchString(s) {
		return fmt.Errorf("name %q must match %q: %w", s, nameRe, errdefs.ErrInvalidArgument)
	}
	return nil
}
