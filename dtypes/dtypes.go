// Package dtypes describes the binary layout of kernel arguments.
//
// A DType is opaque to the runtime: it is attached to kernel argument descriptors so that backends (and users)
// know the element type and size of the data a kernel expects.
package dtypes

import (
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType enumerates the supported element types.
type DType int

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota

	// Bool is stored in one byte.
	Bool

	Int8
	Int16
	Int32
	Int64

	Uint8
	Uint16
	Uint32
	Uint64

	// Float16 is the IEEE 754 half-precision type, see github.com/x448/float16.
	Float16
	Float32
	Float64

	Complex64
	Complex128

	// Struct is a user defined composite, its layout is only known to the kernel.
	Struct
)

var dtypeNames = []string{
	Invalid:    "Invalid",
	Bool:       "Bool",
	Int8:       "Int8",
	Int16:      "Int16",
	Int32:      "Int32",
	Int64:      "Int64",
	Uint8:      "Uint8",
	Uint16:     "Uint16",
	Uint32:     "Uint32",
	Uint64:     "Uint64",
	Float16:    "Float16",
	Float32:    "Float32",
	Float64:    "Float64",
	Complex64:  "Complex64",
	Complex128: "Complex128",
	Struct:     "Struct",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "DType(unknown)"
	}
	return dtypeNames[dtype]
}

// IsValid returns whether dtype is one of the known dtypes, other than Invalid.
func (dtype DType) IsValid() bool {
	return dtype > Invalid && int(dtype) < len(dtypeNames)
}

var goTypes = map[DType]reflect.Type{
	Bool:       reflect.TypeOf(false),
	Int8:       reflect.TypeOf(int8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	Uint8:      reflect.TypeOf(uint8(0)),
	Uint16:     reflect.TypeOf(uint16(0)),
	Uint32:     reflect.TypeOf(uint32(0)),
	Uint64:     reflect.TypeOf(uint64(0)),
	Float16:    reflect.TypeOf(float16.Float16(0)),
	Float32:    reflect.TypeOf(float32(0)),
	Float64:    reflect.TypeOf(float64(0)),
	Complex64:  reflect.TypeOf(complex64(0)),
	Complex128: reflect.TypeOf(complex128(0)),
}

// GoType returns the Go type used to represent dtype on the host, or nil for Invalid and Struct.
func (dtype DType) GoType() reflect.Type {
	return goTypes[dtype]
}

// Size returns the number of bytes of one element of dtype. It returns 0 for Invalid and Struct, whose size
// is not known.
func (dtype DType) Size() int {
	t := dtype.GoType()
	if t == nil {
		return 0
	}
	return int(t.Size())
}

// SizeForDimensions returns the number of bytes for an array of dtype with the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// FromGoType returns the DType for the given Go type, or Invalid if it is not supported.
func FromGoType(t reflect.Type) DType {
	for dtype, goType := range goTypes {
		if goType == t {
			return dtype
		}
	}
	return Invalid
}

// FromAny returns the DType of the value, or Invalid if not supported.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// MapOfNames maps the names of the dtypes (and their common aliases, in any case) to DType.
var MapOfNames = make(map[string]DType)

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = DType(dtype)
		MapOfNames[strings.ToLower(name)] = DType(dtype)
	}
	aliases := map[string]DType{
		"char": Int8, "short": Int16, "int": Int32, "long": Int64,
		"uchar": Uint8, "ushort": Uint16, "uint": Uint32, "ulong": Uint64,
		"half": Float16, "f16": Float16, "float": Float32, "f32": Float32,
		"double": Float64, "f64": Float64,
	}
	for alias, dtype := range aliases {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToUpper(alias)] = dtype
	}
}

// FromName returns the DType with the given name or alias, or Invalid.
func FromName(name string) DType {
	if dtype, found := MapOfNames[name]; found {
		return dtype
	}
	return MapOfNames[strings.ToLower(name)]
}
