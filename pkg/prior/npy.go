// Package prior loads the external prior artifacts of the generation engine:
// serialized numeric arrays used as empirical class priors, and the
// node-count histogram used to size generated graphs.
package prior

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

var npyMagic = []byte("\x93NUMPY")

// LoadArray reads a serialized numeric array from fpath and returns it as a
// flat float64 slice. Only NumPy .npy files holding little-endian float16,
// float32 or float64 data are supported; anything else is a fatal
// configuration error, surfaced before training starts.
func LoadArray(fpath string) ([]float64, error) {
	if !strings.HasSuffix(fpath, ".npy") {
		return nil, fmt.Errorf("prior: only numpy (.npy) prior arrays are supported, got '%s'", fpath)
	}
	raw, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("prior: failed to read prior array: %w", err)
	}
	return parseNpy(raw)
}

func parseNpy(raw []byte) ([]float64, error) {
	if len(raw) < 10 || string(raw[:6]) != string(npyMagic) {
		return nil, fmt.Errorf("prior: not a numpy array (bad magic)")
	}
	major := raw[6]
	var header string
	var body []byte
	switch {
	case major == 1:
		hlen := int(binary.LittleEndian.Uint16(raw[8:10]))
		if len(raw) < 10+hlen {
			return nil, fmt.Errorf("prior: truncated numpy header")
		}
		header = string(raw[10 : 10+hlen])
		body = raw[10+hlen:]
	case major >= 2:
		if len(raw) < 12 {
			return nil, fmt.Errorf("prior: truncated numpy header")
		}
		hlen := int(binary.LittleEndian.Uint32(raw[8:12]))
		if len(raw) < 12+hlen {
			return nil, fmt.Errorf("prior: truncated numpy header")
		}
		header = string(raw[12 : 12+hlen])
		body = raw[12+hlen:]
	default:
		return nil, fmt.Errorf("prior: unsupported numpy format version %d", major)
	}

	descr, err := headerField(header, "descr")
	if err != nil {
		return nil, err
	}
	if fortran, err := headerField(header, "fortran_order"); err == nil && fortran == "True" {
		return nil, fmt.Errorf("prior: fortran-ordered arrays are not supported")
	}
	count, err := headerShapeCount(header)
	if err != nil {
		return nil, err
	}

	var width int
	switch descr {
	case "<f2":
		width = 2
	case "<f4":
		width = 4
	case "<f8":
		width = 8
	default:
		return nil, fmt.Errorf("prior: dtype '%s' not supported (want little-endian float16/32/64)", descr)
	}
	if len(body) < count*width {
		return nil, fmt.Errorf("prior: array body holds %d bytes, need %d", len(body), count*width)
	}

	out := make([]float64, count)
	for i := 0; i < count; i++ {
		off := i * width
		switch width {
		case 2:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(body[off:])).Float32())
		case 4:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[off:])))
		case 8:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		}
	}
	return out, nil
}

// headerField extracts a quoted or bare value for key from the numpy header
// dict, e.g. {'descr': '<f8', 'fortran_order': False, 'shape': (5,), }.
func headerField(header, key string) (string, error) {
	idx := strings.Index(header, "'"+key+"'")
	if idx < 0 {
		return "", fmt.Errorf("prior: numpy header missing '%s'", key)
	}
	rest := header[idx+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("prior: malformed numpy header")
	}
	rest = strings.TrimLeft(rest[colon+1:], " ")
	if strings.HasPrefix(rest, "'") {
		end := strings.Index(rest[1:], "'")
		if end < 0 {
			return "", fmt.Errorf("prior: malformed numpy header")
		}
		return rest[1 : 1+end], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("prior: malformed numpy header")
	}
	return strings.TrimSpace(rest[:end]), nil
}

// headerShapeCount returns the element count of the header's shape tuple.
func headerShapeCount(header string) (int, error) {
	open := strings.Index(header, "(")
	closeIdx := strings.Index(header, ")")
	if open < 0 || closeIdx < open {
		return 0, fmt.Errorf("prior: numpy header missing shape")
	}
	count := 1
	for _, part := range strings.Split(header[open+1:closeIdx], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("prior: bad shape dimension '%s'", part)
		}
		count *= dim
	}
	return count, nil
}
