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

// Package config loads the engine configuration: built-in defaults overlaid
// by an optional TOML file, with command line flags applied on top by the
// CLI.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml/v2"
)

// Backend selectors.
const (
	BackendAuto  = "auto"
	BackendBtrfs = "btrfs"
	BackendCopy  = "copy"
)

// Export compression selectors.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Config carries everything the engine reads from its environment.
type Config struct {
	// Root is the repository directory holding images, process roots and
	// scratch space.
	Root string `toml:"root"`
	// LogLevel is the logging verbosity: trace, debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// Backend selects the subvolume backend. Auto probes the root
	// filesystem and uses btrfs when it can, directory copies otherwise.
	Backend string `toml:"backend"`
	// Compression selects the export archive encoding.
	Compression string `toml:"compression"`
	// CgroupParent is the cgroup below which run places resource-limited
	// processes.
	CgroupParent string `toml:"cgroup_parent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:         "/var/lib/grove",
		LogLevel:     "info",
		Backend:      BackendAuto,
		Compression:  CompressionNone,
		CgroupParent: "grove",
	}
}

// Load returns the defaults overlaid by the TOML file at path. A missing
// file is not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	var file Config
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, file, mergo.WithOverride); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects selector values the engine does not know.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendBtrfs, BackendCopy:
	default:
		return fmt.Errorf("unknown backend %q: %w", c.Backend, errdefs.ErrInvalidArgument)
	}
	switch c.Compression {
	case CompressionNone, CompressionGzip:
	default:
		return fmt.Errorf("unknown compression %q: %w", c.Compression, errdefs.ErrInvalidArgument)
	}
	return nil
}
