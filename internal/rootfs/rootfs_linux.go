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

package rootfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/sys/userns"
	"golang.org/x/sys/unix"
)

const (
	cgroupRoot = "/sys/fs/cgroup"

	// containerPath is the only environment the payload inherits.
	containerPath = "/bin:/usr/bin:/usr/local/bin:/sbin:/usr/sbin:/usr/local/sbin"
)

// Run starts the command described by spec inside fresh mount, PID and UTS
// namespaces, adding a user namespace with the invoking user mapped to root
// unless the process already runs inside one. The current binary is
// re-execed with the hidden init verb to finish setup from inside.
// Foreground runs wait for the child and return its exit error; detached
// runs return as soon as the child has started. The child pid is returned
// either way.
func Run(ctx context.Context, spec *Spec) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, err
	}
	args := append([]string{InitCommand, spec.Root, spec.Hostname}, spec.Args...)
	cmd := exec.Command(self, args...)
	cmd.Env = []string{"PATH=" + containerPath}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS,
	}
	if !userns.RunningInUserNS() {
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWUSER
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		}
	}
	if spec.Detach {
		if err := detachStdio(cmd, spec.LogDir); err != nil {
			return 0, err
		}
		cmd.SysProcAttr.Setsid = true
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if !spec.Resources.empty() {
		if err := attachCgroup(ctx, spec, pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return 0, err
		}
	}
	log.G(ctx).WithFields(log.Fields{
		"pid":  pid,
		"root": spec.Root,
	}).Debug("started jailed process")

	if spec.Detach {
		cmd.Process.Release()
		return pid, nil
	}
	return pid, cmd.Wait()
}

// Init finishes setup from inside the namespaces Run created: hostname,
// mount isolation, chroot into the image root, a fresh /proc, then exec of
// the payload. It only returns on error.
func Init(root, hostname string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command to run: %w", errdefs.ErrInvalidArgument)
	}
	if hostname != "" {
		if err := unix.Sethostname([]byte(hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}
	// Keep mount changes invisible to the host namespace.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := os.MkdirAll("/proc", 0o755); err != nil {
		return err
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	binary, err := exec.LookPath(args[0])
	if err != nil {
		return err
	}
	return unix.Exec(binary, args, os.Environ())
}

func detachStdio(cmd *exec.Cmd, dir string) error {
	if dir == "" {
		return fmt.Errorf("detached run needs a log directory: %w", errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		return err
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		stdout.Close()
		return err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return nil
}

// attachCgroup creates the process cgroup with spec's limits and moves pid
// into it.
func attachCgroup(ctx context.Context, spec *Spec, pid int) error {
	group := groupPath(spec.CgroupParent, spec.Name, os.Geteuid())
	mgr, err := cgroup2.NewManager(cgroupRoot, group, toCgroup2(spec.Resources))
	if err != nil {
		return fmt.Errorf("create cgroup %s: %w", group, err)
	}
	if err := mgr.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("add pid %d to cgroup %s: %w", pid, group, err)
	}
	log.G(ctx).WithField("cgroup", group).Debug("resource limits applied")
	return nil
}

// groupPath places the process cgroup under the configured parent: directly
// below the hierarchy root for uid 0, inside the delegated systemd user
// slice otherwise, where cgroup2 grants unprivileged users write access.
func groupPath(parent, name string, uid int) string {
	if uid == 0 {
		return path.Join("/", parent, name)
	}
	slice := fmt.Sprintf("/user.slice/user-%d.slice/user@%d.service", uid, uid)
	return path.Join(slice, parent, name)
}

func toCgroup2(r *Resources) *cgroup2.Resources {
	out := &cgroup2.Resources{}
	cpu := &cgroup2.CPU{}
	var hasCPU bool
	if r.CPUMax != "" {
		cpu.Max = cpuMax(r.CPUMax)
		hasCPU = true
	}
	if r.CPUWeight != 0 {
		w := r.CPUWeight
		cpu.Weight = &w
		hasCPU = true
	}
	if r.CpusetCpus != "" {
		cpu.Cpus = r.CpusetCpus
		hasCPU = true
	}
	if r.CpusetMems != "" {
		cpu.Mems = r.CpusetMems
		hasCPU = true
	}
	if hasCPU {
		out.CPU = cpu
	}
	mem := &cgroup2.Memory{}
	var hasMem bool
	if r.MemoryMax != 0 {
		v := r.MemoryMax
		mem.Max = &v
		hasMem = true
	}
	if r.MemorySwapMax != 0 {
		v := r.MemorySwapMax
		mem.Swap = &v
		hasMem = true
	}
	if hasMem {
		out.Memory = mem
	}
	if r.PidsMax != 0 {
		out.Pids = &cgroup2.Pids{Max: r.PidsMax}
	}
	return out
}

// cpuMax renders the "QUOTA[,PERIOD]" flag syntax into the cgroup2
// "quota period" file format.
func cpuMax(s string) cgroup2.CPUMax {
	quota, period, ok := strings.Cut(s, ",")
	if !ok {
		period = "100000"
	}
	return cgroup2.CPUMax(quota + " " + period)
}
