package convert

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/large-image/server/internal/apperr"
)

// ParseWorldFile reads an ESRI world file (six lines: x pixel size, row
// rotation, column rotation, y pixel size, and the x and y of the centre of
// the upper-left pixel) and returns the equivalent corner-based
// geotransform.
func ParseWorldFile(r io.Reader) ([]float64, error) {
	var v []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, err, "invalid world file line %q", line)
		}
		v = append(v, f)
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err, "failed to read world file")
	}
	if len(v) != 6 {
		return nil, apperr.New(apperr.InvalidArgument, "world file has %d values, want 6", len(v))
	}
	a, d, b, e, c, f := v[0], v[1], v[2], v[3], v[4], v[5]
	return []float64{c - a/2 - b/2, a, b, f - d/2 - e/2, d, e}, nil
}
