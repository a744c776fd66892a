package bleed

import (
	"testing"
)

func TestAssembleCoefficientsLayout(t *testing.T) {
	fits := []ChannelFit{
		{Channel: 0, Neighbors: []int{1}, Coefficients: []float64{0.2, 0.01}},
		{Channel: 1, Neighbors: []int{0, 2}, Coefficients: []float64{0.4, 0.3, 0.02, 0.03}},
		{Channel: 2, Neighbors: []int{1}, Coefficients: []float64{0.1, 0}},
	}
	m, err := AssembleCoefficients(3, fits)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := [][]float64{
		{0, 0.2, 0, 0, 0.01, 0},
		{0.4, 0, 0.3, 0.02, 0, 0.03},
		{0, 0.1, 0, 0, 0, 0},
	}
	for i, row := range want {
		for c, v := range row {
			if got := m.At(i, c); got != v {
				t.Fatalf("entry (%d,%d) = %v, want %v", i, c, got, v)
			}
		}
	}
	if m.Direct(1, 2) != 0.3 || m.Interaction(1, 0) != 0.02 {
		t.Fatalf("accessors disagree with layout")
	}
	for i := 0; i < 3; i++ {
		if m.At(i, i) != 0 || m.At(i, 3+i) != 0 {
			t.Fatalf("row %d has a self coefficient", i)
		}
		if m.NonZero(i) > 2*len(Neighbors(i, 1, 3)) {
			t.Fatalf("row %d has %d non-zero entries", i, m.NonZero(i))
		}
	}
}

func TestAssembleCoefficientsMissingChannelStaysZero(t *testing.T) {
	m, err := AssembleCoefficients(2, []ChannelFit{{Channel: 0, Neighbors: []int{1}, Coefficients: []float64{0.5, 0.1}}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if m.NonZero(1) != 0 {
		t.Fatalf("expected empty row for unfitted channel, got %v", m.Row(1))
	}
}

func TestAssembleCoefficientsRejectsInvalidFits(t *testing.T) {
	cases := map[string][]ChannelFit{
		"self neighbor":   {{Channel: 0, Neighbors: []int{0}, Coefficients: []float64{1, 1}}},
		"length mismatch": {{Channel: 0, Neighbors: []int{1}, Coefficients: []float64{1}}},
		"out of range":    {{Channel: 4, Neighbors: []int{1}, Coefficients: []float64{1, 1}}},
		"duplicate": {
			{Channel: 0, Neighbors: []int{1}, Coefficients: []float64{1, 1}},
			{Channel: 0, Neighbors: []int{1}, Coefficients: []float64{1, 1}},
		},
	}
	for name, fits := range cases {
		if _, err := AssembleCoefficients(2, fits); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCoefficientMatrixRowIsCopy(t *testing.T) {
	m, err := NewCoefficientMatrix([][]float64{{0, 1, 0, 0}, {2, 0, 0, 0}})
	if err != nil {
		t.Fatalf("new matrix: %v", err)
	}
	row := m.Row(0)
	row[1] = 99
	if m.At(0, 1) != 1 {
		t.Fatalf("matrix mutated through Row")
	}
	if _, err := NewCoefficientMatrix([][]float64{{1, 0, 0, 0}, {0, 0, 0, 0}}); err == nil {
		t.Fatalf("expected self coefficient to be rejected")
	}
}
