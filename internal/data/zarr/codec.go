package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
)

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// Compression names accepted by CreateArray.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
)

func codecsFor(compression string) ([]Codec, error) {
	codecs := []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	switch compression {
	case CompressionNone:
	case CompressionZstd:
		codecs = append(codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}})
	case CompressionGzip:
		codecs = append(codecs, Codec{Name: "gzip", Configuration: map[string]interface{}{"level": 5}})
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return codecs, nil
}

// decodeChunk runs the bytes-to-bytes codecs in reverse and returns the raw
// array bytes plus their byte order.
func decodeChunk(codecs []Codec, data []byte) ([]byte, binary.ByteOrder, error) {
	var order binary.ByteOrder = binary.LittleEndian
	for i := len(codecs) - 1; i >= 0; i-- {
		c := codecs[i]
		switch c.Name {
		case "zstd":
			out, err := zstdDecoder.DecodeAll(data, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
			data = out
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			out, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data = out
		case "bytes":
			if e, _ := c.Configuration["endian"].(string); e == "big" {
				order = binary.BigEndian
			}
		default:
			return nil, nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	return data, order, nil
}

func encodeChunk(codecs []Codec, raw []byte) ([]byte, error) {
	data := raw
	for _, c := range codecs {
		switch c.Name {
		case "bytes":
		case "zstd":
			data = zstdEncoder.EncodeAll(data, nil)
		case "gzip":
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				return nil, fmt.Errorf("gzip compress failed: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("gzip compress failed: %w", err)
			}
			data = buf.Bytes()
		default:
			return nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	return data, nil
}

// DTypeSize returns the element size of a zarr data_type.
func DTypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8", "bool":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// decodeValues converts raw chunk bytes to float64 values.
func decodeValues(dataType string, order binary.ByteOrder, raw []byte) ([]float64, error) {
	size, err := DTypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case "uint8", "bool":
			out[i] = float64(b[0])
		case "int8":
			out[i] = float64(int8(b[0]))
		case "uint16":
			out[i] = float64(order.Uint16(b))
		case "int16":
			out[i] = float64(int16(order.Uint16(b)))
		case "uint32":
			out[i] = float64(order.Uint32(b))
		case "int32":
			out[i] = float64(int32(order.Uint32(b)))
		case "float32":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "uint64":
			out[i] = float64(order.Uint64(b))
		case "int64":
			out[i] = float64(int64(order.Uint64(b)))
		case "float64":
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}

// encodeValues converts values to little endian raw bytes.
func encodeValues(dataType string, values []float64) ([]byte, error) {
	size, err := DTypeSize(dataType)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	out := make([]byte, len(values)*size)
	for i, v := range values {
		b := out[i*size : (i+1)*size]
		switch dataType {
		case "uint8", "bool":
			b[0] = uint8(clampInt(v, 0, math.MaxUint8))
		case "int8":
			b[0] = uint8(int8(clampInt(v, math.MinInt8, math.MaxInt8)))
		case "uint16":
			le.PutUint16(b, uint16(clampInt(v, 0, math.MaxUint16)))
		case "int16":
			le.PutUint16(b, uint16(int16(clampInt(v, math.MinInt16, math.MaxInt16))))
		case "uint32":
			le.PutUint32(b, uint32(clampInt(v, 0, math.MaxUint32)))
		case "int32":
			le.PutUint32(b, uint32(int32(clampInt(v, math.MinInt32, math.MaxInt32))))
		case "float32":
			le.PutUint32(b, math.Float32bits(float32(v)))
		case "uint64":
			le.PutUint64(b, uint64(math.Max(0, v)))
		case "int64":
			le.PutUint64(b, uint64(int64(v)))
		case "float64":
			le.PutUint64(b, math.Float64bits(v))
		}
	}
	return out, nil
}

func clampInt(v, lo, hi float64) float64 {
	if v != v {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

// fillValue converts a zarr fill_value to float64. Strings "NaN",
// "Infinity" and "-Infinity" are accepted as Zarr v3 metadata allows.
func fillValue(v interface{}) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		switch t {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v (%T)", v, v)
}
