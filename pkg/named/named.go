// Package named provides arrays whose dimensions are identified by named axes
// rather than by position.
package named

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShape is returned when data or axes do not line up.
var ErrShape = errors.New("shape mismatch")

// Axis is a named dimension with a size.
type Axis struct {
	Name string
	Size int
}

// Equal reports whether two axes are interchangeable: name and size must both match.
func (a Axis) Equal(b Axis) bool {
	return a.Name == b.Name && a.Size == b.Size
}

// Resize returns an axis with the same name and a different size.
func (a Axis) Resize(size int) Axis {
	return Axis{Name: a.Name, Size: size}
}

func (a Axis) String() string {
	return fmt.Sprintf("%s=%d", a.Name, a.Size)
}

// Elem is the set of element types an Array can hold.
type Elem interface {
	float32 | int32 | bool
}

// Array is a row-major array described by an ordered list of axes.
type Array[T Elem] struct {
	Axes []Axis
	Data []T
}

// Volume returns the number of elements spanned by axes.
func Volume(axes ...Axis) int {
	n := 1
	for _, ax := range axes {
		n *= ax.Size
	}
	return n
}

// New wraps data in an array with the given axes.
func New[T Elem](data []T, axes ...Axis) (*Array[T], error) {
	if err := checkAxes(axes); err != nil {
		return nil, err
	}
	if len(data) != Volume(axes...) {
		return nil, fmt.Errorf("%w: %d elements for axes %s", ErrShape, len(data), FormatAxes(axes))
	}
	return &Array[T]{Axes: append([]Axis(nil), axes...), Data: data}, nil
}

// Zeros allocates a zeroed array.
func Zeros[T Elem](axes ...Axis) *Array[T] {
	return &Array[T]{Axes: append([]Axis(nil), axes...), Data: make([]T, Volume(axes...))}
}

// Full allocates an array filled with v.
func Full[T Elem](v T, axes ...Axis) *Array[T] {
	a := Zeros[T](axes...)
	for i := range a.Data {
		a.Data[i] = v
	}
	return a
}

// Arange returns 0..axis.Size-1 over axis.
func Arange(axis Axis) *Array[int32] {
	a := Zeros[int32](axis)
	for i := range a.Data {
		a.Data[i] = int32(i)
	}
	return a
}

// OneHot returns an array over axis that is value at index and zero elsewhere.
func OneHot(index int, axis Axis, value float32) *Array[float32] {
	a := Zeros[float32](axis)
	if index >= 0 && index < axis.Size {
		a.Data[index] = value
	}
	return a
}

func checkAxes(axes []Axis) error {
	seen := make(map[string]struct{}, len(axes))
	for _, ax := range axes {
		if ax.Size < 0 {
			return fmt.Errorf("%w: negative size for axis %q", ErrShape, ax.Name)
		}
		if _, ok := seen[ax.Name]; ok {
			return fmt.Errorf("%w: duplicate axis %q", ErrShape, ax.Name)
		}
		seen[ax.Name] = struct{}{}
	}
	return nil
}

// FormatAxes renders axes as (a=1, b=2).
func FormatAxes(axes []Axis) string {
	parts := make([]string, len(axes))
	for i, ax := range axes {
		parts[i] = ax.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Size returns the number of elements.
func (a *Array[T]) Size() int {
	return len(a.Data)
}

// Resolve looks up an axis by name.
func (a *Array[T]) Resolve(name string) (Axis, bool) {
	i := a.AxisIndex(name)
	if i < 0 {
		return Axis{}, false
	}
	return a.Axes[i], true
}

// AxisIndex returns the position of the named axis or -1.
func (a *Array[T]) AxisIndex(name string) int {
	for i, ax := range a.Axes {
		if ax.Name == name {
			return i
		}
	}
	return -1
}

// HasAxes reports whether the array's axes equal axes exactly and in order.
func (a *Array[T]) HasAxes(axes ...Axis) bool {
	if len(a.Axes) != len(axes) {
		return false
	}
	for i := range axes {
		if !a.Axes[i].Equal(axes[i]) {
			return false
		}
	}
	return true
}

func (a *Array[T]) offset(idx []int) int {
	if len(idx) != len(a.Axes) {
		panic(fmt.Sprintf("named: %d indices for axes %s", len(idx), FormatAxes(a.Axes)))
	}
	off := 0
	for i, ax := range a.Axes {
		if idx[i] < 0 || idx[i] >= ax.Size {
			panic(fmt.Sprintf("named: index %d out of range for axis %s", idx[i], ax))
		}
		off = off*ax.Size + idx[i]
	}
	return off
}

// At returns the element at idx, given in axis order.
func (a *Array[T]) At(idx ...int) T {
	return a.Data[a.offset(idx)]
}

// Set stores v at idx, given in axis order.
func (a *Array[T]) Set(v T, idx ...int) {
	a.Data[a.offset(idx)] = v
}

// Clone returns a deep copy.
func (a *Array[T]) Clone() *Array[T] {
	return &Array[T]{
		Axes: append([]Axis(nil), a.Axes...),
		Data: append([]T(nil), a.Data...),
	}
}

// Broadcast returns a new array with axis prepended, repeating the data along it.
func (a *Array[T]) Broadcast(axis Axis) (*Array[T], error) {
	axes := append([]Axis{axis}, a.Axes...)
	if err := checkAxes(axes); err != nil {
		return nil, err
	}
	out := Zeros[T](axes...)
	for i := 0; i < axis.Size; i++ {
		copy(out.Data[i*len(a.Data):], a.Data)
	}
	return out, nil
}

// Roll shifts elements along the named axis by shift positions, wrapping around.
// Roll(pos, -1) moves element i+1 to position i.
func (a *Array[T]) Roll(name string, shift int) (*Array[T], error) {
	ai := a.AxisIndex(name)
	if ai < 0 {
		return nil, fmt.Errorf("%w: no axis %q in %s", ErrShape, name, FormatAxes(a.Axes))
	}
	n := a.Axes[ai].Size
	out := Zeros[T](a.Axes...)
	if n == 0 {
		return out, nil
	}
	inner := Volume(a.Axes[ai+1:]...)
	outer := Volume(a.Axes[:ai]...)
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			j := ((i+shift)%n + n) % n
			src := a.Data[(o*n+i)*inner : (o*n+i+1)*inner]
			copy(out.Data[(o*n+j)*inner:], src)
		}
	}
	return out, nil
}

// AllClose reports whether two float arrays have equal axes and every element pair
// differs by at most atol.
func AllClose(a, b *Array[float32], atol float32) bool {
	if !a.HasAxes(b.Axes...) {
		return false
	}
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		if d < 0 {
			d = -d
		}
		if !(d <= atol) {
			return false
		}
	}
	return true
}
