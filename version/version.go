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

package version

import (
	"fmt"
	"strings"
)

// VersionMajor holds the release major number
const VersionMajor = 0

// VersionMinor holds the release minor number
const VersionMinor = 1

// VersionPatch holds the release patch number
const VersionPatch = 0

// GitCommit is filled with the Git revision being used to build the
// program at linking time
var GitCommit = ""

// Version returns the version string which holds the combination of major
// minor patch and git commit
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	versions := []string{version}
	if GitCommit != "" {
		versions = append(versions, fmt.Sprintf("commit: %s", GitCommit))
	}
	return strings.Join(versions, "\n")
}
