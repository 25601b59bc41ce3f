// Package mem implements typed access to raw native memory.
//
// An Address is a plain integer handle: nothing here owns or tracks the memory
// behind it. All reads and writes go through a Space, which is either the
// current process (Native) or a machine backend's address space.
package mem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNullPointer is returned when dereferencing an invalid Address.
	ErrNullPointer = errors.New("mem: pointer is NULL")
	// ErrOverlap is returned by Copy when source and destination overlap.
	ErrOverlap = errors.New("mem: pointers are overlapping")
	// ErrLength is returned for a negative byte count.
	ErrLength = errors.New("mem: negative length")
)

// Wildcard matches any byte in a search pattern.
const Wildcard byte = 0x2A

// Address is a native memory location.
type Address uintptr

// IsValid reports whether the address is non-null.
func (a Address) IsValid() bool {
	return a != 0
}

// Add returns the address delta bytes after a.
func (a Address) Add(delta int) Address {
	return Address(uintptr(int(a) + delta))
}

// Sub returns the address delta bytes before a.
func (a Address) Sub(delta int) Address {
	return Address(uintptr(int(a) - delta))
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Space is an address space that can be read and written.
type Space interface {
	ReadAt(p []byte, addr uintptr) error
	WriteAt(p []byte, addr uintptr) error
	PointerSize() int
}

// Scalar is any fixed-size value that can live at an Address.
type Scalar interface {
	~bool | ~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Read returns the value of type T stored at a+offset.
func Read[T Scalar](s Space, a Address, offset int) (T, error) {
	var v T
	if !a.IsValid() {
		return v, ErrNullPointer
	}
	buf := make([]byte, binary.Size(v))
	if err := s.ReadAt(buf, uintptr(a.Add(offset))); err != nil {
		return v, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("mem: decode %T: %w", v, err)
	}
	return v, nil
}

// Write stores v at a+offset.
func Write[T Scalar](s Space, a Address, offset int, v T) error {
	if !a.IsValid() {
		return ErrNullPointer
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("mem: encode %T: %w", v, err)
	}
	return s.WriteAt(buf.Bytes(), uintptr(a.Add(offset)))
}

// ReadAddress reads a pointer-sized value at a+offset.
func ReadAddress(s Space, a Address, offset int) (Address, error) {
	if s.PointerSize() == 8 {
		v, err := Read[uint64](s, a, offset)
		return Address(v), err
	}
	v, err := Read[uint32](s, a, offset)
	return Address(v), err
}

// WriteAddress stores a pointer-sized value at a+offset.
func WriteAddress(s Space, a Address, offset int, v Address) error {
	if s.PointerSize() == 8 {
		return Write(s, a, offset, uint64(v))
	}
	return Write(s, a, offset, uint32(v))
}

// Deref follows the pointer stored at a+offset.
func Deref(s Space, a Address, offset int) (Address, error) {
	return ReadAddress(s, a, offset)
}

// VTableSlot returns the index-th entry of the virtual table of the object at
// a. A null vtable pointer yields an invalid Address rather than an error.
func VTableSlot(s Space, a Address, index int) (Address, error) {
	vtable, err := ReadAddress(s, a, 0)
	if err != nil {
		return 0, err
	}
	if !vtable.IsValid() {
		return 0, nil
	}
	return ReadAddress(s, vtable, index*s.PointerSize())
}

// ReadBytes copies n bytes starting at a.
func ReadBytes(s Space, a Address, n int) ([]byte, error) {
	if !a.IsValid() {
		return nil, ErrNullPointer
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrLength, n)
	}
	buf := make([]byte, n)
	if err := s.ReadAt(buf, uintptr(a)); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes stores p at a.
func WriteBytes(s Space, a Address, p []byte) error {
	if !a.IsValid() {
		return ErrNullPointer
	}
	return s.WriteAt(p, uintptr(a))
}

// Compare compares n bytes at a and b like memcmp.
func Compare(s Space, a, b Address, n int) (int, error) {
	if !a.IsValid() || !b.IsValid() {
		return 0, ErrNullPointer
	}
	left, err := ReadBytes(s, a, n)
	if err != nil {
		return 0, err
	}
	right, err := ReadBytes(s, b, n)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(left, right), nil
}

// Overlaps reports whether [a, a+n) and [b, b+n) intersect.
func Overlaps(a, b Address, n int) bool {
	if a <= b {
		return uintptr(a)+uintptr(n) > uintptr(b)
	}
	return uintptr(b)+uintptr(n) > uintptr(a)
}

// Copy copies n bytes from src to dst. Overlapping ranges are rejected.
func Copy(s Space, src, dst Address, n int) error {
	if !src.IsValid() || !dst.IsValid() {
		return ErrNullPointer
	}
	if n > 0 && Overlaps(src, dst, n) {
		return fmt.Errorf("%w: %v and %v over %d bytes", ErrOverlap, src, dst, n)
	}
	buf, err := ReadBytes(s, src, n)
	if err != nil {
		return err
	}
	return s.WriteAt(buf, uintptr(dst))
}

// Move copies n bytes from src to dst; the ranges may overlap.
func Move(s Space, src, dst Address, n int) error {
	if !src.IsValid() || !dst.IsValid() {
		return ErrNullPointer
	}
	// The whole source is buffered before the first write.
	buf, err := ReadBytes(s, src, n)
	if err != nil {
		return err
	}
	return s.WriteAt(buf, uintptr(dst))
}

// Search scans n bytes starting at a for pattern. A Wildcard byte in the
// pattern matches any byte. It returns the first match, or an invalid Address
// when nothing matches or the pattern does not fit in the range.
func Search(s Space, a Address, pattern []byte, n int) (Address, error) {
	if !a.IsValid() {
		return 0, ErrNullPointer
	}
	if len(pattern) == 0 || len(pattern) > n {
		return 0, nil
	}
	region, err := ReadBytes(s, a, n)
	if err != nil {
		return 0, err
	}
	if at := Find(region, pattern); at >= 0 {
		return a.Add(at), nil
	}
	return 0, nil
}

// Find returns the index of the first match of pattern in region, or -1.
func Find(region, pattern []byte) int {
	if len(pattern) == 0 || len(pattern) > len(region) {
		return -1
	}
	last := len(region) - len(pattern)
	for base := 0; base <= last; base++ {
		i := 0
		for ; i < len(pattern); i++ {
			if pattern[i] == Wildcard {
				continue
			}
			if pattern[i] != region[base+i] {
				break
			}
		}
		if i == len(pattern) {
			return base
		}
	}
	return -1
}

// ReadCString reads a NUL-terminated string at a+offset. At most max bytes
// are examined; max <= 0 means 1 MiB.
func ReadCString(s Space, a Address, offset, max int) (string, error) {
	if !a.IsValid() {
		return "", ErrNullPointer
	}
	if max <= 0 {
		max = 1 << 20
	}
	const chunk = 64
	start := a.Add(offset)
	out := make([]byte, 0, chunk)
	one := make([]byte, 1)
	for i := 0; i < max; i++ {
		if err := s.ReadAt(one, uintptr(start.Add(i))); err != nil {
			return "", err
		}
		if one[0] == 0 {
			return string(out), nil
		}
		out = append(out, one[0])
	}
	return string(out), nil
}

// WriteCString stores text followed by a NUL at a+offset. size bounds the
// destination buffer; the string plus terminator must fit.
func WriteCString(s Space, a Address, offset int, text string, size int) error {
	if !a.IsValid() {
		return ErrNullPointer
	}
	if bytes.IndexByte([]byte(text), 0) >= 0 {
		return errors.New("mem: string contains NUL")
	}
	if size >= 0 && len(text) >= size {
		return fmt.Errorf("mem: string of %d bytes exceeds buffer of %d", len(text), size)
	}
	buf := make([]byte, len(text)+1)
	copy(buf, text)
	return s.WriteAt(buf, uintptr(a.Add(offset)))
}
