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

// Package rootfs runs a command jailed onto a materialized image root:
// fresh mount, PID and UTS namespaces, a single-user user namespace when
// not already inside one, a chroot into the image, and optional cgroup2
// resource limits. The heavy lifting happens in a re-exec of the current
// binary, which finishes setup from inside the namespaces.
package rootfs

// InitCommand is the hidden CLI verb the runtime re-execs itself with.
const InitCommand = "init"

// Spec describes one process to run on an image root.
type Spec struct {
	// Root is the directory the process is chrooted into.
	Root string
	// Hostname is set inside the UTS namespace.
	Hostname string
	// Args is the command line, resolved against PATH inside the root.
	Args []string
	// Detach starts the process without waiting on it and sends stdio to
	// files under LogDir.
	Detach bool
	// LogDir receives the stdout/stderr files of a detached run.
	LogDir string
	// Resources, when set, are enforced through a cgroup created for the
	// process.
	Resources *Resources
	// CgroupParent names the cgroup the process group lives under.
	CgroupParent string
	// Name identifies the process. It names the cgroup leaf and the log
	// directory.
	Name string
}

// Resources are the cgroup2 limits a run may request. Zero values leave the
// corresponding controller untouched.
type Resources struct {
	// CPUMax is the cpu.max value in the "QUOTA[,PERIOD]" syntax; the
	// period defaults to 100000 when omitted.
	CPUMax string
	// CPUWeight is the cpu.weight value.
	CPUWeight uint64
	// CpusetCpus restricts execution to the listed CPUs.
	CpusetCpus string
	// CpusetMems restricts allocation to the listed memory nodes.
	CpusetMems string
	// MemoryMax caps memory usage, in bytes.
	MemoryMax int64
	// MemorySwapMax caps swap usage, in bytes.
	MemorySwapMax int64
	// PidsMax caps the number of processes.
	PidsMax int64
}

func (r *Resources) empty() bool {
	return r == nil || *r == Resources{}
}
