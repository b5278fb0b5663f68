// Package bytereader provides bounds-checked, position-explicit reads over a
// fixed uplink payload.
//
// Every read takes an absolute offset; nothing advances an internal cursor.
// Reads that would run past the end of the payload fail with ErrOutOfRange
// instead of returning garbage.
package bytereader

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange is returned (wrapped in a *RangeError) when a read would
// extend beyond the payload.
var ErrOutOfRange = errors.New("read out of range")

// RangeError describes a read that did not fit in the payload.
type RangeError struct {
	Offset int
	Width  int
	Length int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: offset %d width %d exceeds payload length %d", ErrOutOfRange, e.Offset, e.Width, e.Length)
}

// Unwrap lets errors.Is(err, ErrOutOfRange) match.
func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// Reader is a read-only view over a payload. The zero value is an empty
// payload.
type Reader struct {
	b []byte
}

// New wraps b. The slice is not copied, callers must not mutate it while
// the Reader is in use.
func New(b []byte) *Reader {
	return &Reader{b: b}
}

// Len returns the payload length in bytes.
func (r *Reader) Len() int { return len(r.b) }

func (r *Reader) window(offset, width int) ([]byte, error) {
	if offset < 0 || width < 0 || offset+width > len(r.b) {
		return nil, &RangeError{Offset: offset, Width: width, Length: len(r.b)}
	}
	return r.b[offset : offset+width], nil
}

// Uint8 reads one byte, zero-extended.
func (r *Reader) Uint8(offset int) (uint8, error) {
	w, err := r.window(offset, 1)
	if err != nil {
		return 0, err
	}
	return w[0], nil
}

// Int8 reads one byte, sign-extended.
func (r *Reader) Int8(offset int) (int8, error) {
	v, err := r.Uint8(offset)
	return int8(v), err
}

// Uint16BE reads two bytes, most significant first.
func (r *Reader) Uint16BE(offset int) (uint16, error) {
	w, err := r.window(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint16(w[0])<<8 | uint16(w[1]), nil
}

// Uint16LE reads two bytes, least significant first.
func (r *Reader) Uint16LE(offset int) (uint16, error) {
	w, err := r.window(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint16(w[1])<<8 | uint16(w[0]), nil
}

// Int16BE reads a big-endian two's complement 16-bit integer.
func (r *Reader) Int16BE(offset int) (int16, error) {
	v, err := r.Uint16BE(offset)
	return int16(v), err
}

// Int16LE reads a little-endian two's complement 16-bit integer.
func (r *Reader) Int16LE(offset int) (int16, error) {
	v, err := r.Uint16LE(offset)
	return int16(v), err
}

// Uint32BE reads four bytes, most significant first.
func (r *Reader) Uint32BE(offset int) (uint32, error) {
	w, err := r.window(offset, 4)
	if err != nil {
		return 0, err
	}
	return uint32(w[0])<<24 | uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3]), nil
}

// Uint32LE reads four bytes, least significant first.
func (r *Reader) Uint32LE(offset int) (uint32, error) {
	w, err := r.window(offset, 4)
	if err != nil {
		return 0, err
	}
	return uint32(w[3])<<24 | uint32(w[2])<<16 | uint32(w[1])<<8 | uint32(w[0]), nil
}

// Int32BE reads a big-endian two's complement 32-bit integer.
func (r *Reader) Int32BE(offset int) (int32, error) {
	v, err := r.Uint32BE(offset)
	return int32(v), err
}

// Int32LE reads a little-endian two's complement 32-bit integer.
func (r *Reader) Int32LE(offset int) (int32, error) {
	v, err := r.Uint32LE(offset)
	return int32(v), err
}

// Float32BE reads a big-endian IEEE-754 single and widens it to float64.
func (r *Reader) Float32BE(offset int) (float64, error) {
	bits, err := r.Uint32BE(offset)
	if err != nil {
		return 0, err
	}
	return Float32FromBits(bits), nil
}

// Float32LE reads a little-endian IEEE-754 single and widens it to float64.
func (r *Reader) Float32LE(offset int) (float64, error) {
	bits, err := r.Uint32LE(offset)
	if err != nil {
		return 0, err
	}
	return Float32FromBits(bits), nil
}

// Slice returns a copy of payload[start:end].
func (r *Reader) Slice(start, end int) ([]byte, error) {
	if start > end {
		return nil, &RangeError{Offset: start, Width: end - start, Length: len(r.b)}
	}
	w, err := r.window(start, end-start)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(w))
	copy(out, w)
	return out, nil
}

// Float32FromBits decomposes a single-precision bit pattern by hand.
//
//	sign        bit 31
//	exponent    bits 30..23, bias 127
//	significand bits 22..0
//
// Exponent 255 is infinity (significand 0) or NaN. Exponent 0 is zero or a
// subnormal with a fixed exponent of -126 and no implicit leading one.
func Float32FromBits(b uint32) float64 {
	sign := 1.0
	if b>>31 != 0 {
		sign = -1.0
	}
	exp := int((b >> 23) & 0xFF)
	sig := b & 0x7FFFFF

	switch exp {
	case 0xFF:
		if sig != 0 {
			return math.NaN()
		}
		return math.Inf(int(sign))
	case 0:
		// 0.significand * 2^-126, the IEEE 754 value. The SFM1x vendor
		// decoder divides by 2^22 here, doubling subnormals; this
		// departs from it on purpose.
		return sign * math.Ldexp(float64(sig)/(1<<23), -126)
	default:
		return sign * math.Ldexp(float64(sig|1<<23)/(1<<23), exp-127)
	}
}
