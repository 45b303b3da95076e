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
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/config"
	"github.com/grovekit/grove/internal/image"
	"github.com/grovekit/grove/internal/subvol"
	"github.com/grovekit/grove/version"
)

const defaultConfigPath = "/etc/grove/config.toml"

func main() {
	app := &cli.App{
		Name:     "grove",
		Usage:    "rootless container image engine on copy-on-write subvolumes",
		Version:  version.Version(),
		Metadata: map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
				Value:   defaultConfigPath,
				EnvVars: []string{"GROVE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "repository directory (overrides the configuration file)",
				EnvVars: []string{"GROVE_ROOT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity (trace, debug, info, warn, error)",
				EnvVars: []string{"GROVE_LOG_LEVEL"},
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			imageCommand,
			runCommand,
			initCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "grove: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and sets the log
// level before any command runs.
func setup(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}
	if root := cliCtx.String("root"); root != "" {
		cfg.Root = root
	}
	if level := cliCtx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	cliCtx.App.Metadata["config"] = cfg
	return nil
}

func configFrom(cliCtx *cli.Context) *config.Config {
	return cliCtx.App.Metadata["config"].(*config.Config)
}

// openRepository builds the image repository the configuration describes.
func openRepository(cliCtx *cli.Context) (*image.Repository, error) {
	cfg := configFrom(cliCtx)
	var opts []image.Opt
	switch cfg.Backend {
	case config.BackendBtrfs:
		opts = append(opts, image.WithBackend(subvol.NewBtrfs()))
	case config.BackendCopy:
		opts = append(opts, image.WithBackend(subvol.NewCopy()))
	}
	if cfg.Compression == config.CompressionGzip {
		opts = append(opts, image.WithCompression(image.Gzip))
	}
	return image.NewRepository(cfg.Root, opts...)
}
