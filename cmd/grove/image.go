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
	"text/tabwriter"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/image"
)

var imageCommand = &cli.Command{
	Name:    "image",
	Aliases: []string{"images", "i"},
	Usage:   "manage images",
	Subcommands: []*cli.Command{
		imageListCommand,
		imageDeleteCommand,
		imageImportCommand,
		imageExportCommand,
	},
}

var imageListCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "list images in the repository",
	Action: func(cliCtx *cli.Context) error {
		repo, err := openRepository(cliCtx)
		if err != nil {
			return err
		}
		images, err := repo.List(cliCtx.Context)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cliCtx.App.Writer, 1, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tUUID")
		for _, img := range images {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				img.Name,
				img.Created.Local().Format(time.RFC3339),
				units.HumanSize(float64(img.Size)),
				img.UUID,
			)
		}
		return w.Flush()
	},
}

var imageDeleteCommand = &cli.Command{
	Name:      "delete",
	Aliases:   []string{"rm"},
	Usage:     "delete an image from the repository",
	ArgsUsage: "NAME",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() != 1 {
			return fmt.Errorf("image delete takes exactly one name: %w", errdefs.ErrInvalidArgument)
		}
		repo, err := openRepository(cliCtx)
		if err != nil {
			return err
		}
		return repo.Delete(cliCtx.Context, cliCtx.Args().First())
	},
}

var imageImportCommand = &cli.Command{
	Name:      "import",
	Usage:     "import an image archive into the repository",
	ArgsUsage: "ARCHIVE [NAME]",
	Description: "Unpacks an exported archive and recreates its layer chain as\nsubvolumes. The image name defaults to the archive file name up to\nthe first dot.",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() < 1 || cliCtx.NArg() > 2 {
			return fmt.Errorf("image import takes an archive and an optional name: %w", errdefs.ErrInvalidArgument)
		}
		archive := cliCtx.Args().Get(0)
		name := cliCtx.Args().Get(1)
		if name == "" {
			name = image.NameFromPath(archive)
		}
		repo, err := openRepository(cliCtx)
		if err != nil {
			return err
		}
		f, err := os.Open(archive)
		if err != nil {
			return err
		}
		defer f.Close()
		path, err := repo.Import(cliCtx.Context, f, name)
		if err != nil {
			return err
		}
		log.G(cliCtx.Context).WithFields(log.Fields{"image": name, "path": path}).Info("imported image")
		fmt.Fprintln(cliCtx.App.Writer, name)
		return nil
	},
}

var imageExportCommand = &cli.Command{
	Name:      "export",
	Usage:     "export an image and its lineage to an archive",
	ArgsUsage: "NAME DEST",
	Description: "Writes the image's whole parent chain to DEST in the layer\nbundle layout. DEST of - writes to standard output.",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() != 2 {
			return fmt.Errorf("image export takes a name and a destination: %w", errdefs.ErrInvalidArgument)
		}
		name, dest := cliCtx.Args().Get(0), cliCtx.Args().Get(1)
		repo, err := openRepository(cliCtx)
		if err != nil {
			return err
		}
		if dest == "-" {
			return repo.Export(cliCtx.Context, cliCtx.App.Writer, name)
		}
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if err := repo.Export(cliCtx.Context, f, name); err != nil {
			f.Close()
			os.Remove(dest)
			return err
		}
		return f.Close()
	},
}
