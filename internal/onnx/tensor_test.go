package onnx

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("float32 ok", func(t *testing.T) {
		tt, err := NewTensor([]float32{1, 2, 3, 4}, []int64{2, 2})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if tt.DType() != DTypeFloat32 {
			t.Fatalf("expected dtype float32, got %s", tt.DType())
		}

		if !reflect.DeepEqual(tt.Shape(), []int64{2, 2}) {
			t.Fatalf("unexpected shape: %v", tt.Shape())
		}

		got, err := ExtractFloat32(tt)
		if err != nil {
			t.Fatalf("ExtractFloat32 failed: %v", err)
		}

		if !reflect.DeepEqual(got, []float32{1, 2, 3, 4}) {
			t.Fatalf("unexpected data: %v", got)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := NewTensor([]int64{1, 2, 3}, []int64{2, 2})
		if err == nil {
			t.Fatal("expected shape mismatch error")
		}

		if !strings.Contains(err.Error(), "expects 4 elements, got 3") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("zero dimension rejected", func(t *testing.T) {
		if _, err := NewTensor([]float32{}, []int64{1, 0}); err == nil {
			t.Fatal("expected error for zero dimension")
		}
	})
}

func TestExtractors(t *testing.T) {
	f, _ := NewTensor([]float32{1, 2}, []int64{2})
	i, _ := NewTensor([]int64{3, 4}, []int64{2})

	if _, err := ExtractFloat32(i); err == nil {
		t.Fatal("expected float extractor type error")
	}
	if _, err := ExtractInt64(f); err == nil {
		t.Fatal("expected int extractor type error")
	}
	if _, err := ExtractFloat32(nil); err == nil {
		t.Fatal("expected error for nil tensor")
	}

	got, err := ExtractFloat32(f)
	if err != nil {
		t.Fatalf("ExtractFloat32: %v", err)
	}
	got[0] = 99
	again, _ := ExtractFloat32(f)
	if again[0] != 1 {
		t.Fatal("ExtractFloat32 exposed the backing slice")
	}
}

// seqTensor builds a [2, 1, n, 2] tensor whose values encode (batch, pos, d).
func seqTensor(t *testing.T, n int64) *Tensor {
	t.Helper()

	var data []float32
	for b := range int64(2) {
		for p := range n {
			for d := range int64(2) {
				data = append(data, float32(100*b+10*p+d))
			}
		}
	}
	tt, err := NewTensor(data, []int64{2, 1, n, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	return tt
}

func TestSliceAxis(t *testing.T) {
	got, err := SliceAxis(seqTensor(t, 3), 2, 0, 2)
	if err != nil {
		t.Fatalf("SliceAxis: %v", err)
	}

	if !reflect.DeepEqual(got.Shape(), []int64{2, 1, 2, 2}) {
		t.Fatalf("shape = %v", got.Shape())
	}

	data, _ := ExtractFloat32(got)
	want := []float32{0, 1, 10, 11, 100, 101, 110, 111}
	if !reflect.DeepEqual(data, want) {
		t.Fatalf("data = %v, want %v", data, want)
	}

	for _, bad := range [][2]int64{{0, 4}, {2, 2}, {-1, 1}} {
		if _, err := SliceAxis(seqTensor(t, 3), 2, bad[0], bad[1]); err == nil {
			t.Errorf("SliceAxis(%v) = nil error", bad)
		}
	}
}

func TestConcatAxis(t *testing.T) {
	a := seqTensor(t, 2)
	b := seqTensor(t, 1)

	got, err := ConcatAxis(a, b, 2)
	if err != nil {
		t.Fatalf("ConcatAxis: %v", err)
	}
	if !reflect.DeepEqual(got.Shape(), []int64{2, 1, 3, 2}) {
		t.Fatalf("shape = %v", got.Shape())
	}

	data, _ := ExtractFloat32(got)
	want := []float32{0, 1, 10, 11, 0, 1, 100, 101, 110, 111, 100, 101}
	if !reflect.DeepEqual(data, want) {
		t.Fatalf("data = %v, want %v", data, want)
	}

	// Slicing the concatenation back yields the first operand.
	back, _ := SliceAxis(got, 2, 0, 2)
	if !reflect.DeepEqual(back.Data(), a.Data()) {
		t.Fatal("slice of concat differs from original")
	}

	if _, err := ConcatAxis(a, b, 1); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestRows(t *testing.T) {
	tt, _ := NewTensor([]float32{1, 2, 3, 4, 5, 6}, []int64{3, 2})
	rows, err := Rows(tt)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	want := [][]float32{{1, 2}, {3, 4}, {5, 6}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("Rows = %v, want %v", rows, want)
	}
}

func TestCanonicalDType(t *testing.T) {
	for raw, want := range map[string]TensorDType{
		"float":         DTypeFloat32,
		"tensor(float)": DTypeFloat32,
		"int64":         DTypeInt64,
		" Long ":        DTypeInt64,
		"tensor(int64)": DTypeInt64,
	} {
		got, err := canonicalDType(raw)
		if err != nil || got != want {
			t.Errorf("canonicalDType(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := canonicalDType("bool"); err == nil {
		t.Error("canonicalDType(bool) = nil error")
	}
}
