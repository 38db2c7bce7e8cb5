package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/large-image/server/internal/blobstore"
	"github.com/large-image/server/internal/convert"
)

var (
	convertTileSize  int
	convertCRS       string
	convertWorldFile string
	convertMicrons   float64
)

// convertCmd writes a Zarr pyramid next to, or into a directory other
// than, the source image.
var convertCmd = &cobra.Command{
	Use:   "convert <image> [output dir]",
	Short: "Convert an image into a tiled Zarr pyramid.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := args[0]
		outDir := filepath.Dir(input)
		if len(args) == 2 {
			outDir = args[1]
		}

		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		img, format, err := convert.Decode(data)
		if err != nil {
			return err
		}

		opts := convert.Options{TileSize: convertTileSize, CRS: convertCRS}
		if convertWorldFile != "" {
			wf, err := os.Open(convertWorldFile)
			if err != nil {
				return err
			}
			opts.GeoTransform, err = convert.ParseWorldFile(wf)
			wf.Close()
			if err != nil {
				return fmt.Errorf("failed to read world file %s: %w", convertWorldFile, err)
			}
		}
		if convertMicrons > 0 {
			opts.PixelMicrons = []float64{convertMicrons, convertMicrons}
		}
		out := cmd.ErrOrStderr()
		opts.Progress = func(done, total int) {
			fmt.Fprintf(out, "\rwrote %d/%d chunks", done, total)
		}

		blobs, err := blobstore.OpenDir(outDir)
		if err != nil {
			return err
		}
		defer blobs.Close()

		name := convert.OutputName(filepath.Base(input), time.Now())
		start := time.Now()
		res, err := convert.WritePyramid(context.Background(), blobs, name, img, opts)
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %dx%d, %d bands, %d levels in %.1fs\n",
			filepath.Join(outDir, res.Prefix), format, res.Width, res.Height, res.Bands, res.Levels, time.Since(start).Seconds())
		return nil
	},
}

func init() {
	convertCmd.Flags().IntVar(&convertTileSize, "tile-size", 256, "Chunk size of the pyramid")
	convertCmd.Flags().StringVar(&convertCRS, "crs", "", "Coordinate reference system of the image, e.g. EPSG:4326")
	convertCmd.Flags().StringVar(&convertWorldFile, "world-file", "", "World file georeferencing the image")
	convertCmd.Flags().Float64Var(&convertMicrons, "pixel-microns", 0, "Physical pixel size in microns")
}
