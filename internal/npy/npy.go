// Package npy reads and writes NumPy .npy files holding integer arrays: a
// magic string, a version, a little-endian header length, a Python dict
// literal header, then the raw C-order element bytes.
package npy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	DTypeU8  = "|u1"
	DTypeI8  = "|i1"
	DTypeU16 = "<u2"
	DTypeI16 = "<i2"
	DTypeU32 = "<u4"
	DTypeI32 = "<i4"
	DTypeI64 = "<i8"

	// headerAlign is the boundary the preamble plus header is padded to.
	headerAlign = 64
)

var magic = []byte("\x93NUMPY")

var ErrFormat = errors.New("npy: malformed file")

// Array is an integer array widened to int64. DType records the on-disk
// element type as a NumPy descr string.
type Array struct {
	DType string
	Shape []int
	Data  []int64
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

type elemType struct {
	width  int
	signed bool
	order  binary.ByteOrder
}

func parseDescr(descr string) (elemType, error) {
	if len(descr) < 3 {
		return elemType{}, fmt.Errorf("%w: dtype %q", ErrFormat, descr)
	}

	var order binary.ByteOrder
	switch descr[0] {
	case '<', '|', '=':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return elemType{}, fmt.Errorf("%w: dtype %q", ErrFormat, descr)
	}

	var signed bool
	switch descr[1] {
	case 'i':
		signed = true
	case 'u':
	default:
		return elemType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	width, err := strconv.Atoi(descr[2:])
	if err != nil {
		return elemType{}, fmt.Errorf("%w: dtype %q", ErrFormat, descr)
	}
	switch width {
	case 1, 2, 4, 8:
	default:
		return elemType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}
	if width == 8 && !signed {
		return elemType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	return elemType{width: width, signed: signed, order: order}, nil
}

func (e elemType) bounds() (int64, int64) {
	bits := e.width * 8
	if e.signed {
		if bits == 64 {
			return math.MinInt64, math.MaxInt64
		}
		return -(1 << (bits - 1)), 1<<(bits-1) - 1
	}
	return 0, 1<<bits - 1
}

func (e elemType) put(dst []byte, v int64) {
	switch e.width {
	case 1:
		dst[0] = byte(v)
	case 2:
		e.order.PutUint16(dst, uint16(v))
	case 4:
		e.order.PutUint32(dst, uint32(v))
	case 8:
		e.order.PutUint64(dst, uint64(v))
	}
}

func (e elemType) get(src []byte) int64 {
	switch e.width {
	case 1:
		if e.signed {
			return int64(int8(src[0]))
		}
		return int64(src[0])
	case 2:
		u := e.order.Uint16(src)
		if e.signed {
			return int64(int16(u))
		}
		return int64(u)
	case 4:
		u := e.order.Uint32(src)
		if e.signed {
			return int64(int32(u))
		}
		return int64(u)
	default:
		return int64(e.order.Uint64(src))
	}
}

func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d > 0 && n > math.MaxInt32/d {
			return 0, fmt.Errorf("shape %v is too large", shape)
		}
		n *= d
	}
	return n, nil
}

// Encode serializes a as a version 1.0 file in C order. DType defaults to
// I64; a value that does not fit it is an error.
func Encode(a Array) ([]byte, error) {
	descr := a.DType
	if descr == "" {
		descr = DTypeI64
	}
	et, err := parseDescr(descr)
	if err != nil {
		return nil, err
	}

	n, err := elementCount(a.Shape)
	if err != nil {
		return nil, fmt.Errorf("npy: %w", err)
	}
	if n != len(a.Data) {
		return nil, fmt.Errorf("npy: shape %v expects %d elements, got %d", a.Shape, n, len(a.Data))
	}

	header := formatHeader(descr, a.Shape)

	var buf bytes.Buffer
	buf.Grow(len(header) + len(a.Data)*et.width)
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)

	lo, hi := et.bounds()
	elem := make([]byte, et.width)
	for i, v := range a.Data {
		if v < lo || v > hi {
			return nil, fmt.Errorf("npy: value %d at index %d does not fit %s", v, i, descr)
		}
		et.put(elem, v)
		buf.Write(elem)
	}

	return buf.Bytes(), nil
}

func formatHeader(descr string, shape []int) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}

	h := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, tuple)

	// magic + version + uint16 length + header + '\n' lands on headerAlign.
	pre := len(magic) + 2 + 2
	pad := headerAlign - (pre+len(h)+1)%headerAlign
	if pad == headerAlign {
		pad = 0
	}
	return h + strings.Repeat(" ", pad) + "\n"
}

// Decode parses a version 1, 2 or 3 file holding a C-order integer array.
func Decode(data []byte) (Array, error) {
	if len(data) < len(magic)+4 || !bytes.Equal(data[:len(magic)], magic) {
		return Array{}, fmt.Errorf("%w: missing magic", ErrFormat)
	}

	major := data[len(magic)]
	off := len(magic) + 2

	var headerLen int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	case 2, 3:
		if len(data) < off+4 {
			return Array{}, fmt.Errorf("%w: truncated preamble", ErrFormat)
		}
		headerLen = int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	default:
		return Array{}, fmt.Errorf("npy: unsupported version %d", major)
	}

	if headerLen > len(data)-off {
		return Array{}, fmt.Errorf("%w: header length %d exceeds file size %d", ErrFormat, headerLen, len(data))
	}
	header := string(data[off : off+headerLen])
	body := data[off+headerLen:]

	m := descrRe.FindStringSubmatch(header)
	if m == nil {
		return Array{}, fmt.Errorf("%w: header has no descr", ErrFormat)
	}
	descr := m[1]
	et, err := parseDescr(descr)
	if err != nil {
		return Array{}, err
	}

	if f := fortranRe.FindStringSubmatch(header); f == nil {
		return Array{}, fmt.Errorf("%w: header has no fortran_order", ErrFormat)
	} else if f[1] == "True" {
		return Array{}, errors.New("npy: fortran-order arrays are not supported")
	}

	s := shapeRe.FindStringSubmatch(header)
	if s == nil {
		return Array{}, fmt.Errorf("%w: header has no shape", ErrFormat)
	}
	shape, err := parseShape(s[1])
	if err != nil {
		return Array{}, err
	}

	n, err := elementCount(shape)
	if err != nil {
		return Array{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if len(body) != n*et.width {
		return Array{}, fmt.Errorf("%w: shape %v needs %d bytes, data has %d", ErrFormat, shape, n*et.width, len(body))
	}

	out := make([]int64, n)
	for i := range out {
		out[i] = et.get(body[i*et.width:])
	}

	return Array{DType: descr, Shape: shape, Data: out}, nil
}

func parseShape(tuple string) ([]int, error) {
	shape := []int{}
	for _, part := range strings.Split(tuple, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil {
			return nil, fmt.Errorf("%w: shape dimension %q", ErrFormat, part)
		}
		shape = append(shape, d)
	}
	return shape, nil
}
