package nifti

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Datatype is a NIFTI_TYPE_* code
type Datatype int16

// Supported voxel datatypes
const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
	Int64   Datatype = 1024
	Uint64  Datatype = 1280
)

var datatypeNames = map[Datatype]string{
	Uint8:   "uint8",
	Int16:   "int16",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
	Int8:    "int8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Int64:   "int64",
	Uint64:  "uint64",
}

func (dt Datatype) String() string {
	if name, ok := datatypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("datatype(%d)", int16(dt))
}

// ParseDatatype maps names such as "uint32" or "float" to a datatype
func ParseDatatype(name string) (Datatype, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "char", "byte":
		return Uint8, nil
	case "short":
		return Int16, nil
	case "int":
		return Int32, nil
	case "float":
		return Float32, nil
	case "double":
		return Float64, nil
	}
	for dt, n := range datatypeNames {
		if n == name {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unsupported datatype %q", name)
}

// Size returns the number of bytes per voxel
func (dt Datatype) Size() (int, error) {
	switch dt {
	case Uint8, Int8:
		return 1, nil
	case Int16, Uint16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported datatype code %d", int16(dt))
}

// IsInteger reports whether values are truncated when stored
func (dt Datatype) IsInteger() bool {
	return dt != Float32 && dt != Float64
}

// Cast converts v to the value that storing it as dt would produce:
// integers truncate toward zero and saturate at the type range, NaN becomes 0.
func (dt Datatype) Cast(v float64) float64 {
	if !dt.IsInteger() {
		if dt == Float32 {
			return float64(float32(v))
		}
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := dt.bounds()
	v = math.Trunc(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (dt Datatype) bounds() (float64, float64) {
	switch dt {
	case Uint8:
		return 0, math.MaxUint8
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Uint32:
		return 0, math.MaxUint32
	case Int64:
		return math.MinInt64, math.MaxInt64
	case Uint64:
		return 0, math.MaxUint64
	}
	return math.Inf(-1), math.Inf(1)
}

// decode converts raw voxel bytes to float64 values
func (dt Datatype) decode(raw []byte, order binary.ByteOrder, out []float64) error {
	size, err := dt.Size()
	if err != nil {
		return err
	}
	if len(raw) < len(out)*size {
		return fmt.Errorf("need %d bytes of voxel data, have %d", len(out)*size, len(raw))
	}

	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dt {
		case Uint8:
			out[i] = float64(b[0])
		case Int8:
			out[i] = float64(int8(b[0]))
		case Int16:
			out[i] = float64(int16(order.Uint16(b)))
		case Uint16:
			out[i] = float64(order.Uint16(b))
		case Int32:
			out[i] = float64(int32(order.Uint32(b)))
		case Uint32:
			out[i] = float64(order.Uint32(b))
		case Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case Int64:
			out[i] = float64(int64(order.Uint64(b)))
		case Uint64:
			out[i] = float64(order.Uint64(b))
		case Float64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return nil
}

// encode writes values as little-endian voxel bytes, casting first
func (dt Datatype) encode(values []float64) ([]byte, error) {
	size, err := dt.Size()
	if err != nil {
		return nil, err
	}
	order := binary.LittleEndian
	out := make([]byte, len(values)*size)

	for i, v := range values {
		b := out[i*size : (i+1)*size]
		c := dt.Cast(v)
		switch dt {
		case Uint8:
			b[0] = uint8(c)
		case Int8:
			b[0] = byte(int8(c))
		case Int16:
			order.PutUint16(b, uint16(int16(c)))
		case Uint16:
			order.PutUint16(b, uint16(c))
		case Int32:
			order.PutUint32(b, uint32(int32(c)))
		case Uint32:
			order.PutUint32(b, uint32(c))
		case Float32:
			order.PutUint32(b, math.Float32bits(float32(c)))
		case Int64:
			order.PutUint64(b, uint64(int64(saturateInt64(c))))
		case Uint64:
			order.PutUint64(b, saturateUint64(c))
		case Float64:
			order.PutUint64(b, math.Float64bits(c))
		}
	}
	return out, nil
}

// float64(math.MaxInt64) rounds up to 2^63, which overflows on conversion
func saturateInt64(v float64) float64 {
	if v >= math.MaxInt64 {
		return math.Nextafter(math.MaxInt64, 0)
	}
	return v
}

func saturateUint64(v float64) uint64 {
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}
