// Package ibeacon implements the iBeacon manufacturer-specific advertising
// payload used by the competitor transmitters.
//
// Layout (25 bytes, company ID included):
//
//	[0:2]   company ID 0x004C (little-endian on air: 4C 00)
//	[2]     beacon type 0x02
//	[3]     remaining length 0x15
//	[4:20]  proximity UUID
//	[20:22] major (big-endian)
//	[22:24] minor (big-endian)
//	[24]    calibrated TX power at 1 m (signed dBm)
package ibeacon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PayloadLen is the minimum length of a valid iBeacon manufacturer payload.
const PayloadLen = 25

// DefaultTxPower is the reference power assumed when an advertisement does
// not carry an iBeacon frame.
const DefaultTxPower int8 = -59

var marker = []byte{0x4C, 0x00, 0x02, 0x15}

// Beacon is a decoded iBeacon frame.
type Beacon struct {
	UUID    string // canonical upper-case 8-4-4-4-12 form, or the MAC for fallbacks
	Major   uint16
	Minor   uint16
	TxPower int8
}

// Decode parses raw manufacturer data. It reports false when the payload is
// shorter than PayloadLen or does not start with the Apple iBeacon marker.
// Bytes beyond PayloadLen are ignored.
func Decode(data []byte) (Beacon, bool) {
	if len(data) < PayloadLen {
		return Beacon{}, false
	}
	if !bytes.Equal(data[:len(marker)], marker) {
		return Beacon{}, false
	}

	var id uuid.UUID
	copy(id[:], data[4:20])

	return Beacon{
		UUID:    strings.ToUpper(id.String()),
		Major:   binary.BigEndian.Uint16(data[20:22]),
		Minor:   binary.BigEndian.Uint16(data[22:24]),
		TxPower: int8(data[24]),
	}, true
}

// Encode builds the 25-byte manufacturer payload for b.
func Encode(b Beacon) ([]byte, error) {
	id, err := uuid.Parse(b.UUID)
	if err != nil {
		return nil, fmt.Errorf("ibeacon: parse uuid %q: %w", b.UUID, err)
	}

	buf := make([]byte, PayloadLen)
	copy(buf, marker)
	copy(buf[4:20], id[:])
	binary.BigEndian.PutUint16(buf[20:22], b.Major)
	binary.BigEndian.PutUint16(buf[22:24], b.Minor)
	buf[24] = byte(b.TxPower)
	return buf, nil
}

// Fallback returns the identity used for advertisements that are not iBeacon
// frames: the MAC stands in for the UUID.
func Fallback(mac string) Beacon {
	return Beacon{
		UUID:    NormalizeIdentity(mac),
		TxPower: DefaultTxPower,
	}
}

// NormalizeIdentity canonicalises a MAC or UUID string for comparison.
func NormalizeIdentity(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
