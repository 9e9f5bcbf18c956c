// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package samsession certifies data with a SAM: the data is digested under a
// session key derived from the card diversifier and a SAM challenge, and the
// SAM signs the digest. This is the SAM half of a Calypso secure session.
package samsession // import "github.com/calypsonet/legacyhsm/internal/samsession"

import (
	"context"
	"errors"
	"fmt"

	"github.com/calypsonet/legacyhsm/internal/apdu"
)

// SAM instruction bytes.
const (
	cla                   byte = 0x80
	insSelectDiversifier  byte = 0x14
	insDigestAuthenticate byte = 0x82
	insGetChallenge       byte = 0x84
	insDigestInit         byte = 0x8A
	insDigestUpdate       byte = 0x8C
	insDigestClose        byte = 0x8E

	ChallengeSize = 8
	SignatureSize = 8
	maxRecordSize = 250
)

// Transmitter sends one command and returns the response.
type Transmitter interface {
	Transmit(ctx context.Context, cmd apdu.Command) (apdu.Response, error)
}

// Request lists what to certify.
type Request struct {
	// Diversifier is the card serial number (4 or 8 bytes).
	Diversifier []byte
	KIF, KVC    byte
	Records     [][]byte
}

// Result is a certified digest.
type Result struct {
	Challenge []byte
	Signature []byte
}

// CommandError reports a SAM command answering other than 9000.
type CommandError struct {
	Command string
	SW      uint16
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with status %04X", e.Command, e.SW)
}

// ErrSignatureRejected is returned by Verify when the SAM refuses the signature.
var ErrSignatureRejected = errors.New("signature rejected by SAM")

func (r Request) validate() error {
	if n := len(r.Diversifier); n != 4 && n != 8 {
		return fmt.Errorf("diversifier must be 4 or 8 bytes, got %d", n)
	}
	if len(r.Records) == 0 {
		return errors.New("at least one record is required")
	}
	for i, rec := range r.Records {
		if len(rec) == 0 || len(rec) > maxRecordSize {
			return fmt.Errorf("record %d: size %d out of range 1..%d", i, len(rec), maxRecordSize)
		}
	}
	return nil
}

// Certify digests the records and returns the SAM signature.
func Certify(ctx context.Context, t Transmitter, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := run(ctx, t, "SELECT DIVERSIFIER", apdu.NewCommand(cla, insSelectDiversifier, 0, 0, req.Diversifier)); err != nil {
		return nil, err
	}
	challenge, err := run(ctx, t, "GET CHALLENGE", apdu.NewCommand(cla, insGetChallenge, 0, 0, nil).WithLe(ChallengeSize))
	if err != nil {
		return nil, err
	}
	init := append([]byte{req.KIF, req.KVC}, req.Records[0]...)
	if _, err := run(ctx, t, "DIGEST INIT", apdu.NewCommand(cla, insDigestInit, 0, 0, init)); err != nil {
		return nil, err
	}
	for _, rec := range req.Records[1:] {
		if _, err := run(ctx, t, "DIGEST UPDATE", apdu.NewCommand(cla, insDigestUpdate, 0, 0, rec)); err != nil {
			return nil, err
		}
	}
	sig, err := run(ctx, t, "DIGEST CLOSE", apdu.NewCommand(cla, insDigestClose, 0, 0, nil).WithLe(SignatureSize))
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("DIGEST CLOSE returned %d bytes, expected %d", len(sig), SignatureSize)
	}
	return &Result{Challenge: challenge, Signature: sig}, nil
}

// Verify asks the SAM to check signature against its last digest.
func Verify(ctx context.Context, t Transmitter, signature []byte) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	_, err := run(ctx, t, "DIGEST AUTHENTICATE", apdu.NewCommand(cla, insDigestAuthenticate, 0, 0, signature))
	var ce *CommandError
	if errors.As(err, &ce) && ce.SW == apdu.SWIncorrectSignature {
		return ErrSignatureRejected
	}
	return err
}

func run(ctx context.Context, t Transmitter, name string, cmd apdu.Command) ([]byte, error) {
	resp, err := t.Transmit(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !resp.OK() {
		return nil, &CommandError{Command: name, SW: resp.SW}
	}
	return resp.Data, nil
}
