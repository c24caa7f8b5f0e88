package onnx

import (
	"fmt"
	"math"
	"strings"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a dense row-major value exchanged with a graph. It is never
// mutated after construction.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	dtype, err := dtypeFromSlice(data)
	if err != nil {
		return nil, err
	}
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}
	switch dtype {
	case DTypeFloat32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		t.data = converted
	case DTypeInt64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		t.data = converted
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
	return t, nil
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the backing slice.
func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("expected float32 tensor, got nil")
	}
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}
	return append([]float32(nil), data...), nil
}

func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil {
		return nil, fmt.Errorf("expected int64 tensor, got nil")
	}
	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}
	return append([]int64(nil), data...), nil
}

// Rows splits a float32 tensor of shape [B, ...] into B flat slices.
func Rows(t *Tensor) ([][]float32, error) {
	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}
	if len(t.shape) == 0 || t.shape[0] < 1 {
		return nil, fmt.Errorf("tensor shape %v has no batch axis", t.shape)
	}

	b := int(t.shape[0])
	width := len(data) / b
	out := make([][]float32, b)
	for i := range out {
		out[i] = data[i*width : (i+1)*width : (i+1)*width]
	}
	return out, nil
}

// SliceAxis keeps indices [from, to) of a float32 tensor along axis.
func SliceAxis(t *Tensor, axis int, from, to int64) (*Tensor, error) {
	shape := t.Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("slice axis %d out of range for shape %v", axis, shape)
	}
	if from < 0 || to > shape[axis] || from >= to {
		return nil, fmt.Errorf("slice [%d, %d) out of range for axis %d of shape %v", from, to, axis, shape)
	}
	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}

	outer, inner := splitAt(shape, axis)
	n := shape[axis]
	keep := to - from

	out := make([]float32, 0, outer*keep*inner)
	for o := range outer {
		base := o * n * inner
		out = append(out, data[base+from*inner:base+to*inner]...)
	}

	shape[axis] = keep
	return NewTensor(out, shape)
}

// ConcatAxis joins two float32 tensors along axis. All other dimensions must
// match.
func ConcatAxis(a, b *Tensor, axis int) (*Tensor, error) {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return nil, fmt.Errorf("concat rank mismatch: %v vs %v", as, bs)
	}
	if axis < 0 || axis >= len(as) {
		return nil, fmt.Errorf("concat axis %d out of range for shape %v", axis, as)
	}
	for i := range as {
		if i != axis && as[i] != bs[i] {
			return nil, fmt.Errorf("concat dim %d mismatch: %v vs %v", i, as, bs)
		}
	}

	ad, err := ExtractFloat32(a)
	if err != nil {
		return nil, fmt.Errorf("concat a: %w", err)
	}
	bd, err := ExtractFloat32(b)
	if err != nil {
		return nil, fmt.Errorf("concat b: %w", err)
	}

	outer, inner := splitAt(as, axis)
	an, bn := as[axis]*inner, bs[axis]*inner

	out := make([]float32, 0, len(ad)+len(bd))
	for o := range outer {
		out = append(out, ad[o*an:(o+1)*an]...)
		out = append(out, bd[o*bn:(o+1)*bn]...)
	}

	shape := append([]int64(nil), as...)
	shape[axis] += bs[axis]
	return NewTensor(out, shape)
}

// splitAt returns the element counts before and after axis.
func splitAt(shape []int64, axis int) (outer, inner int64) {
	outer, inner = 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}

func dtypeFromSlice[T ~int64 | ~float32](data []T) (TensorDType, error) {
	var zero T
	switch any(zero).(type) {
	case int64:
		return DTypeInt64, nil
	case float32:
		return DTypeFloat32, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", zero)
	}
}

func canonicalDType(raw string) (TensorDType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}

func elementCount(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 1, nil
	}
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}
