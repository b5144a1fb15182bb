package models

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Infinity is the end of an open segment.
const Infinity int64 = math.MaxInt64

const (
	addressGroups    = 8
	addressGroupSize = 4
	addressLength    = addressGroups*addressGroupSize + addressGroups - 1
)

// BranchPoint is a moment on a specific branch lineage.
type BranchPoint struct {
	BranchID  int64 `json:"branchId"`
	Timestamp int64 `json:"timestamp"`
}

// NewBranchPoint creates a branch point.
func NewBranchPoint(branchID, timestamp int64) BranchPoint {
	return BranchPoint{BranchID: branchID, Timestamp: timestamp}
}

// Compare orders branch points by branch id, then timestamp.
func (p BranchPoint) Compare(other BranchPoint) int {
	if c := cmp.Compare(p.BranchID, other.BranchID); c != 0 {
		return c
	}
	return cmp.Compare(p.Timestamp, other.Timestamp)
}

// Address returns the sortable text form of the branch point.
func (p BranchPoint) Address() string {
	return ToAddress(p.BranchID, p.Timestamp)
}

func (p BranchPoint) String() string {
	return fmt.Sprintf("%d@%d", p.BranchID, p.Timestamp)
}

// ToAddress encodes a (branch id, timestamp) pair as eight colon separated
// groups of four lowercase hex digits, the way a fully expanded IPv6 address
// is written. Both halves are offset by 2^63 so that negative values sort
// before positive ones and plain string comparison matches numeric order.
func ToAddress(branchID, timestamp int64) string {
	var raw [16]byte
	putOrdered(raw[:8], branchID)
	putOrdered(raw[8:], timestamp)
	digits := hex.EncodeToString(raw[:])

	var sb strings.Builder
	sb.Grow(addressLength)
	for i := 0; i < addressGroups; i++ {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(digits[i*addressGroupSize : (i+1)*addressGroupSize])
	}
	return sb.String()
}

// ParseAddress decodes an address produced by ToAddress. Only the canonical
// form is accepted so the mapping stays a bijection.
func ParseAddress(address string) (BranchPoint, error) {
	if len(address) != addressLength {
		return BranchPoint{}, fmt.Errorf("address %q: invalid length: %w", address, ErrBadRequest)
	}
	var digits strings.Builder
	digits.Grow(addressGroups * addressGroupSize)
	for i := 0; i < len(address); i++ {
		c := address[i]
		if (i+1)%(addressGroupSize+1) == 0 {
			if c != ':' {
				return BranchPoint{}, fmt.Errorf("address %q: expected ':' at %d: %w", address, i, ErrBadRequest)
			}
			continue
		}
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return BranchPoint{}, fmt.Errorf("address %q: invalid digit %q: %w", address, c, ErrBadRequest)
		}
		digits.WriteByte(c)
	}
	raw, err := hex.DecodeString(digits.String())
	if err != nil {
		return BranchPoint{}, fmt.Errorf("address %q: %w", address, err)
	}
	return BranchPoint{BranchID: getOrdered(raw[:8]), Timestamp: getOrdered(raw[8:])}, nil
}

func putOrdered(dst []byte, v int64) {
	u := uint64(v) ^ (1 << 63)
	for i := 7; i >= 0; i-- {
		dst[i] = byte(u)
		u >>= 8
	}
}

func getOrdered(src []byte) int64 {
	var u uint64
	for _, b := range src {
		u = u<<8 | uint64(b)
	}
	return int64(u ^ (1 << 63))
}
