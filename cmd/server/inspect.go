package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/config"
	"github.com/large-image/server/internal/tilesource"
)

var inspectProjection string

// inspectCmd prints the metadata a backend reports for a local file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <image or zarr directory>",
	Short: "Print the tile source metadata of a local file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		blobs, err := blobstore.OpenDir(filepath.Dir(path))
		if err != nil {
			return err
		}
		defer blobs.Close()

		f := &tilesource.File{
			ID:     path,
			Name:   info.Name(),
			Key:    info.Name(),
			Layout: tilesource.LayoutBlob,
		}
		if info.IsDir() {
			f.Layout = tilesource.LayoutZarr
		} else {
			f.Size = info.Size()
		}

		ctx := context.Background()
		registry, err := newRegistry(blobs, cfg)
		if err != nil {
			return err
		}
		backend, err := registry.Probe(ctx, f)
		if err != nil {
			return err
		}
		src, err := registry.Open(ctx, f, backend.Name(), tilesource.OpenParams{Projection: inspectProjection})
		if err != nil {
			return err
		}
		defer src.Close()

		if !info.IsDir() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s, %s backend\n", f.Name, humanize.Bytes(uint64(f.Size)), backend.Name())
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(src.Metadata())
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectProjection, "projection", "", "Tile the source in this projection, e.g. EPSG:3857")
}
