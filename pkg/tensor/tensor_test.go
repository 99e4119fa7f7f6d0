package tensor

import (
	"math"
	"testing"
)

// Helper for float comparison with tolerance.
func floatsAreEqual(a, b float64) bool {
	const tolerance = 1e-9
	return math.Abs(a-b) < tolerance
}

func TestOneHotArgmaxRoundTrip(t *testing.T) {
	classes := []int{0, 3, 2, 1, 3}
	oh := OneHot(classes, 4)
	if oh.Rows != 5 || oh.Cols != 4 {
		t.Fatalf("got shape %dx%d, want 5x4", oh.Rows, oh.Cols)
	}
	back := oh.ArgmaxRows()
	for i := range classes {
		if back[i] != classes[i] {
			t.Errorf("row %d: got %d, want %d", i, back[i], classes[i])
		}
	}
}

func TestSoftmaxRows(t *testing.T) {
	m := FromData(2, 3, []float64{0, 0, 0, 1000, 1000, 1001})
	p := m.SoftmaxRows()

	t.Run("rows sum to one", func(t *testing.T) {
		for i := 0; i < p.Rows; i++ {
			var sum float64
			for _, v := range p.Row(i) {
				sum += v
			}
			if !floatsAreEqual(sum, 1.0) {
				t.Errorf("row %d sums to %f", i, sum)
			}
		}
	})

	t.Run("uniform logits give uniform probabilities", func(t *testing.T) {
		for j := 0; j < 3; j++ {
			if !floatsAreEqual(p.At(0, j), 1.0/3.0) {
				t.Errorf("got %f, want 1/3", p.At(0, j))
			}
		}
	})

	t.Run("stable under large logits", func(t *testing.T) {
		for _, v := range p.Row(1) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("softmax not stable: %v", p.Row(1))
			}
		}
		if p.ArgmaxRows()[1] != 2 {
			t.Errorf("argmax moved under shift")
		}
	})
}

func TestLogSoftmaxMatchesSoftmax(t *testing.T) {
	m := FromData(1, 4, []float64{0.5, -1.2, 3.3, 0.0})
	ls := m.LogSoftmaxRows()
	p := m.SoftmaxRows()
	for j := 0; j < 4; j++ {
		if !floatsAreEqual(math.Exp(ls.At(0, j)), p.At(0, j)) {
			t.Errorf("col %d: exp(logsoftmax)=%f softmax=%f", j, math.Exp(ls.At(0, j)), p.At(0, j))
		}
	}
}

func TestHStackSliceColsRoundTrip(t *testing.T) {
	a := FromData(2, 2, []float64{1, 2, 3, 4})
	b := FromData(2, 3, []float64{5, 6, 7, 8, 9, 10})
	wide := HStack(a, b)
	if wide.Cols != 5 {
		t.Fatalf("got %d cols, want 5", wide.Cols)
	}
	left := wide.SliceCols(0, 2)
	right := wide.SliceCols(2, 5)
	for i := range a.Data {
		if left.Data[i] != a.Data[i] {
			t.Fatalf("left slice does not match original: %v vs %v", left.Data, a.Data)
		}
	}
	for i := range b.Data {
		if right.Data[i] != b.Data[i] {
			t.Fatalf("right slice does not match original: %v vs %v", right.Data, b.Data)
		}
	}
}

func TestAddScaledMatchesReference(t *testing.T) {
	// Exercise both the pure Go reference and whatever kernel init selected.
	x := FromData(1, 4, []float64{1, 2, 3, 4})
	y := FromData(1, 4, []float64{10, 20, 30, 40})
	want := []float64{8, 16, 24, 32}

	ref := make([]float64, 4)
	copy(ref, y.Data)
	axpyGo(-2, x.Data, ref)

	y.AddScaled(-2, x)
	for i := range want {
		if !floatsAreEqual(y.Data[i], want[i]) || !floatsAreEqual(ref[i], want[i]) {
			t.Errorf("index %d: kernel=%f ref=%f want=%f", i, y.Data[i], ref[i], want[i])
		}
	}
}

func TestDotAgreesAcrossKernels(t *testing.T) {
	a := []float64{0.5, -1, 2, 0.25}
	b := []float64{4, 3, -2, 8}
	want := 0.5*4 + (-1)*3 + 2*(-2) + 0.25*8
	if got := dotGo(a, b); !floatsAreEqual(got, want) {
		t.Errorf("dotGo: got %f, want %f", got, want)
	}
	if got := dotGonum(a, b); !floatsAreEqual(got, want) {
		t.Errorf("dotGonum: got %f, want %f", got, want)
	}
}
