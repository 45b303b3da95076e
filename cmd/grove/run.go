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

package main

import (
	"fmt"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/rootfs"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a command on an image's filesystem",
	ArgsUsage: "IMAGE COMMAND [ARG...]",
	Description: "Snapshots the image into a per-process root and executes the\ncommand inside fresh mount, pid and uts namespaces. IMAGE may also\nbe the path of an existing directory to use as the root directly.",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "detach",
			Aliases: []string{"d"},
			Usage:   "start the process and print its pid instead of waiting",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "process name; generated when empty",
		},
		&cli.StringFlag{
			Name:  "cpu-max",
			Usage: "cpu bandwidth limit, QUOTA[,PERIOD] in microseconds or max",
		},
		&cli.Uint64Flag{
			Name:  "cpu-weight",
			Usage: "relative cpu weight, 1 to 10000",
		},
		&cli.StringFlag{
			Name:  "cpuset-cpus",
			Usage: "cpus the process may run on, e.g. 0-2,7",
		},
		&cli.StringFlag{
			Name:  "cpuset-mems",
			Usage: "memory nodes the process may allocate from",
		},
		&cli.StringFlag{
			Name:  "memory-max",
			Usage: "memory limit, accepts unit suffixes such as 512m",
		},
		&cli.StringFlag{
			Name:  "memory-swap-max",
			Usage: "swap limit, accepts unit suffixes",
		},
		&cli.Int64Flag{
			Name:  "pids-max",
			Usage: "maximum number of processes",
		},
	},
	Action: runAction,
}

func runAction(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 2 {
		return fmt.Errorf("run takes an image and a command: %w", errdefs.ErrInvalidArgument)
	}
	args := cliCtx.Args().Slice()
	imageRef, command := args[0], args[1:]

	name := cliCtx.String("name")
	if name == "" {
		name = "grove-" + uuid.NewString()[:8]
	}

	res, err := resourcesFromFlags(cliCtx)
	if err != nil {
		return err
	}

	repo, err := openRepository(cliCtx)
	if err != nil {
		return err
	}
	root, err := repo.GetImageLocationForProcess(cliCtx.Context, imageRef, name)
	if err != nil {
		return err
	}

	cfg := configFrom(cliCtx)
	pid, err := rootfs.Run(cliCtx.Context, &rootfs.Spec{
		Root:         root,
		Hostname:     name,
		Args:         command,
		Detach:       cliCtx.Bool("detach"),
		LogDir:       filepath.Join(cfg.Root, "logs", name),
		Resources:    res,
		CgroupParent: cfg.CgroupParent,
		Name:         name,
	})
	if err != nil {
		return err
	}
	if cliCtx.Bool("detach") {
		fmt.Fprintln(cliCtx.App.Writer, pid)
	}
	return nil
}

// resourcesFromFlags collects the cgroup limits requested on the command
// line, or returns nil when none were given.
func resourcesFromFlags(cliCtx *cli.Context) (*rootfs.Resources, error) {
	res := &rootfs.Resources{
		CPUMax:     cliCtx.String("cpu-max"),
		CPUWeight:  cliCtx.Uint64("cpu-weight"),
		CpusetCpus: cliCtx.String("cpuset-cpus"),
		CpusetMems: cliCtx.String("cpuset-mems"),
		PidsMax:    cliCtx.Int64("pids-max"),
	}
	if s := cliCtx.String("memory-max"); s != "" {
		v, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("parse memory-max %q: %w", s, err)
		}
		res.MemoryMax = v
	}
	if s := cliCtx.String("memory-swap-max"); s != "" {
		v, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("parse memory-swap-max %q: %w", s, err)
		}
		res.MemorySwapMax = v
	}
	if *res == (rootfs.Resources{}) {
		return nil, nil
	}
	return res, nil
}

// initCommand is the re-exec entry point for run. It is executed inside the
// new namespaces and must not be invoked directly.
var initCommand = &cli.Command{
	Name:            rootfs.InitCommand,
	Hidden:          true,
	SkipFlagParsing: true,
	Action: func(cliCtx *cli.Context) error {
		args := cliCtx.Args().Slice()
		if len(args) < 3 {
			return fmt.Errorf("init needs a root, a hostname and a command: %w", errdefs.ErrInvalidArgument)
		}
		return rootfs.Init(args[0], args[1], args[2:])
	},
}
