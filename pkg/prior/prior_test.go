package prior

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/x448/float16"
	"golang.org/x/exp/rand"
)

// writeNpy builds a v1 .npy file around a little-endian payload.
func writeNpy(t *testing.T, dir, name, descr string, count int, payload []byte) string {
	t.Helper()
	header := "{'descr': '" + descr + "', 'fortran_order': False, 'shape': (" +
		itoa(count) + ",), }"
	// Pad the header so the total preamble is a multiple of 16 bytes, as the
	// numpy writer does.
	for (10+len(header)+1)%16 != 0 {
		header += " "
	}
	header += "\n"
	buf := append([]byte("\x93NUMPY\x01\x00"), byte(len(header)), byte(len(header)>>8))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestLoadArray(t *testing.T) {
	dir := t.TempDir()
	want := []float64{0.25, 1.5, -3.0, 42.0}

	t.Run("float64", func(t *testing.T) {
		payload := make([]byte, 8*len(want))
		for i, v := range want {
			binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(v))
		}
		path := writeNpy(t, dir, "f8.npy", "<f8", len(want), payload)
		got, err := LoadArray(path)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("float32", func(t *testing.T) {
		payload := make([]byte, 4*len(want))
		for i, v := range want {
			binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(float32(v)))
		}
		path := writeNpy(t, dir, "f4.npy", "<f4", len(want), payload)
		got, err := LoadArray(path)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("float16", func(t *testing.T) {
		payload := make([]byte, 2*len(want))
		for i, v := range want {
			binary.LittleEndian.PutUint16(payload[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
		path := writeNpy(t, dir, "f2.npy", "<f2", len(want), payload)
		got, err := LoadArray(path)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if got[i] != want[i] { // all values exactly representable in f16
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("non-npy file is a configuration error", func(t *testing.T) {
		path := filepath.Join(dir, "prior.pkl")
		if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadArray(path); err == nil {
			t.Fatal("expected an error for non-numpy prior file")
		}
	})

	t.Run("integer dtype is rejected", func(t *testing.T) {
		path := writeNpy(t, dir, "i8.npy", "<i8", 1, make([]byte, 8))
		if _, err := LoadArray(path); err == nil {
			t.Fatal("expected an error for non-float dtype")
		}
	})
}

func TestNodeDistribution(t *testing.T) {
	dist, err := NewNodeDistribution(map[int]float64{20: 1, 30: 3, 40: 0})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("probabilities normalize", func(t *testing.T) {
		if math.Abs(dist.Prob(20)-0.25) > 1e-9 {
			t.Errorf("P(20) = %f, want 0.25", dist.Prob(20))
		}
		if math.Abs(dist.Prob(30)-0.75) > 1e-9 {
			t.Errorf("P(30) = %f, want 0.75", dist.Prob(30))
		}
		if dist.Prob(25) != 0 {
			t.Errorf("P(25) = %f, want 0", dist.Prob(25))
		}
	})

	t.Run("sampling respects support", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		counts := map[int]int{}
		for _, n := range dist.SampleN(rng, 2000) {
			counts[n]++
		}
		if counts[40] != 0 {
			t.Errorf("sampled a zero-mass size %d times", counts[40])
		}
		if counts[20]+counts[30] != 2000 {
			t.Errorf("samples escaped the support: %v", counts)
		}
		// Loose sanity bound on the 1:3 ratio.
		if counts[30] < counts[20] {
			t.Errorf("expected 30 to dominate, got %v", counts)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, err := NewNodeDistribution(nil); err == nil {
			t.Error("expected error for empty histogram")
		}
		if _, err := NewNodeDistribution(map[int]float64{-1: 2}); err == nil {
			t.Error("expected error for non-positive node count")
		}
		if _, err := NewNodeDistribution(map[int]float64{10: 0}); err == nil {
			t.Error("expected error for zero total mass")
		}
	})

	t.Run("max nodes", func(t *testing.T) {
		if dist.MaxNodes() != 40 {
			t.Errorf("got %d, want 40", dist.MaxNodes())
		}
	})
}
