// Package sourcemap decodes version-3 source maps into a queryable
// position index.
package sourcemap

import (
	"errors"
	"strings"
)

// Base64 VLQ: each character carries 5 payload bits plus a continuation
// bit (bit 5 of the 6-bit group). The low bit of the accumulated value is
// the sign flag.
const vlqAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var (
	// ErrInvalidSymbol is returned for a byte outside the VLQ alphabet.
	ErrInvalidSymbol = errors.New("sourcemap: invalid VLQ symbol")
	// ErrTruncated is returned when input ends inside a VLQ value, with
	// the continuation bit of the last group still set.
	ErrTruncated = errors.New("sourcemap: truncated VLQ value")
)

const (
	vlqBaseShift       = 5
	vlqBase            = 1 << vlqBaseShift // 32
	vlqBaseMask        = vlqBase - 1
	vlqContinuationBit = vlqBase
)

var vlqReverse = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(vlqAlphabet); i++ {
		table[vlqAlphabet[i]] = int8(i)
	}
	return table
}()

// decodeVLQ reads one signed value from s starting at pos. It returns the
// value and the position of the first unread byte.
func decodeVLQ(s string, pos int) (int64, int, error) {
	var result int64
	shift := uint(0)
	for {
		if pos >= len(s) {
			return 0, pos, ErrTruncated
		}
		digit := vlqReverse[s[pos]]
		if digit < 0 {
			return 0, pos, ErrInvalidSymbol
		}
		pos++
		result += int64(digit&vlqBaseMask) << shift
		if digit&vlqContinuationBit == 0 {
			break
		}
		shift += vlqBaseShift
	}
	// Low bit is the sign flag; remaining bits are the magnitude.
	negative := result&1 == 1
	result >>= 1
	if negative {
		result = -result
	}
	return result, pos, nil
}

// DecodeSegment decodes one comma-free mappings segment into its signed
// integer deltas.
func DecodeSegment(segment string) ([]int64, error) {
	var values []int64
	pos := 0
	for pos < len(segment) {
		v, next, err := decodeVLQ(segment, pos)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		pos = next
	}
	return values, nil
}

// encodeVLQ appends the VLQ form of v to b.
func encodeVLQ(b *strings.Builder, v int64) {
	var u int64
	if v < 0 {
		u = (-v)<<1 | 1
	} else {
		u = v << 1
	}
	for {
		digit := u & vlqBaseMask
		u >>= vlqBaseShift
		if u > 0 {
			digit |= vlqContinuationBit
		}
		b.WriteByte(vlqAlphabet[digit])
		if u == 0 {
			return
		}
	}
}

// EncodeSegment encodes signed integers into one mappings segment. It is
// the inverse of DecodeSegment and is used to build synthetic fixtures.
func EncodeSegment(values []int64) string {
	var b strings.Builder
	for _, v := range values {
		encodeVLQ(&b, v)
	}
	return b.String()
}
