// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package apdu holds the ISO 7816-4 command/response encoding used between
// terminals and SAMs, plus the hex helpers used for logging and the CLI.
package apdu // import "github.com/calypsonet/legacyhsm/internal/apdu"

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Status words returned by SAMs.
const (
	SWSuccess             uint16 = 0x9000
	SWWrongLength         uint16 = 0x6700
	SWSecurityStatus      uint16 = 0x6982
	SWConditionsNotMet    uint16 = 0x6985
	SWIncorrectSignature  uint16 = 0x6988
	SWFileNotFound        uint16 = 0x6A82
	SWWrongP1P2           uint16 = 0x6B00
	SWInsNotSupported     uint16 = 0x6D00
	SWClassNotSupported   uint16 = 0x6E00
	SWResponseBytesRemain byte   = 0x61
	SWWrongLe             byte   = 0x6C
)

// ErrMalformed is returned for byte strings that are not valid APDUs.
var ErrMalformed = errors.New("malformed apdu")

// MaxDataLength is the largest command body a short APDU can carry.
const MaxDataLength = 255

// Command is a short ISO 7816-4 command APDU. Data holds at most
// MaxDataLength bytes; see Validate.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	// Le is only encoded when HasLe is set; 0 means 256.
	Le    byte
	HasLe bool
}

// NewCommand returns a case 1 or case 3 command.
func NewCommand(cla, ins, p1, p2 byte, data []byte) Command {
	return Command{CLA: cla, INS: ins, P1: p1, P2: p2, Data: data}
}

// WithLe returns a copy of c expecting le response bytes.
func (c Command) WithLe(le byte) Command {
	c.Le = le
	c.HasLe = true
	return c
}

// Validate reports ErrMalformed when c cannot be encoded as a short APDU.
func (c Command) Validate() error {
	if len(c.Data) > MaxDataLength {
		return fmt.Errorf("%w: %d data bytes, at most %d allowed", ErrMalformed, len(c.Data), MaxDataLength)
	}
	return nil
}

// Bytes encodes the command. The result is only meaningful when Validate
// returns nil.
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 5+len(c.Data)+1)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.HasLe {
		out = append(out, c.Le)
	}
	return out
}

// String renders the command as hex.
func (c Command) String() string { return ToHex(c.Bytes()) }

// ParseCommand decodes a short command APDU (cases 1 to 4).
func ParseCommand(raw []byte) (Command, error) {
	if len(raw) < 4 {
		return Command{}, fmt.Errorf("%w: %d bytes, need at least 4", ErrMalformed, len(raw))
	}
	c := Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]
	switch {
	case len(body) == 0:
		// case 1
	case len(body) == 1:
		c.Le = body[0]
		c.HasLe = true
	default:
		lc := int(body[0])
		if lc == 0 {
			return Command{}, fmt.Errorf("%w: extended length not supported", ErrMalformed)
		}
		switch len(body) {
		case 1 + lc:
			c.Data = append([]byte(nil), body[1:]...)
		case 2 + lc:
			c.Data = append([]byte(nil), body[1:1+lc]...)
			c.Le = body[1+lc]
			c.HasLe = true
		default:
			return Command{}, fmt.Errorf("%w: Lc=%d does not match body length %d", ErrMalformed, lc, len(body))
		}
	}
	return c, nil
}

// Response is a response APDU split into data and status word.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits raw into data and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, fmt.Errorf("%w: response of %d bytes", ErrMalformed, len(raw))
	}
	n := len(raw) - 2
	return Response{
		Data: append([]byte(nil), raw[:n]...),
		SW:   uint16(raw[n])<<8 | uint16(raw[n+1]),
	}, nil
}

// NewResponse builds a response from data and a status word.
func NewResponse(data []byte, sw uint16) Response {
	return Response{Data: data, SW: sw}
}

// Bytes encodes the response.
func (r Response) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, byte(r.SW>>8), byte(r.SW))
}

// SW1 returns the first status byte.
func (r Response) SW1() byte { return byte(r.SW >> 8) }

// SW2 returns the second status byte.
func (r Response) SW2() byte { return byte(r.SW) }

// OK reports a 9000 status.
func (r Response) OK() bool { return r.SW == SWSuccess }

func (r Response) String() string { return ToHex(r.Bytes()) }

// ToHex returns upper-case hex without separators.
func ToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// FromHex decodes hex, ignoring spaces and case.
func FromHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}
