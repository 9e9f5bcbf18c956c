// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package simulated

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"golang.org/x/crypto/hkdf"
)

// SAM command set understood by simulated channels.
const (
	ClassSAM              byte = 0x80
	InsSelectDiversifier  byte = 0x14
	InsDigestAuthenticate byte = 0x82
	InsGetChallenge       byte = 0x84
	InsDigestInit         byte = 0x8A
	InsDigestUpdate       byte = 0x8C
	InsDigestClose        byte = 0x8E
	InsGetData            byte = 0xCA

	// SignatureSize is the length of a digest close signature.
	SignatureSize = 8
	sessionKeyLen = 16
)

// Channel is an open simulated SAM channel.
type Channel struct {
	id       int
	module   *Module
	keyGroup int
	opened   time.Time

	mu          sync.Mutex
	closed      bool
	diversifier []byte
	challenge   []byte
	digest      hash.Hash
	signature   []byte
}

func (c *Channel) ID() int            { return c.id }
func (c *Channel) Module() hsm.Module { return c.module }

// Info describes the channel.
func (c *Channel) Info() hsm.ChannelInfo {
	return hsm.ChannelInfo{
		ID:       c.id,
		KeyGroup: c.keyGroup,
		Module:   c.module.String(),
		Opened:   c.opened.UTC().Format(time.RFC3339),
	}
}

// Close frees the slot. Closing twice is an error.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hsm.NewError(hsm.CodeClosed, "channel %d of %s already closed", c.id, c.module)
	}
	c.closed = true
	c.resetLocked()
	c.mu.Unlock()
	c.module.release(c)
	return nil
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.resetLocked()
	c.mu.Unlock()
}

func (c *Channel) resetLocked() {
	c.diversifier = nil
	c.challenge = nil
	c.digest = nil
	c.signature = nil
}

// Exchange processes one command APDU and returns the response APDU.
func (c *Channel) Exchange(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, hsm.NewError(hsm.CodeClosed, "channel %d of %s is closed", c.id, c.module)
	}
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWWrongLength).Bytes(), nil
	}
	return c.process(cmd).Bytes(), nil
}

func (c *Channel) process(cmd apdu.Command) apdu.Response {
	if cmd.CLA != ClassSAM {
		return apdu.NewResponse(nil, apdu.SWClassNotSupported)
	}
	switch cmd.INS {
	case InsSelectDiversifier:
		return c.selectDiversifier(cmd)
	case InsGetChallenge:
		return c.getChallenge(cmd)
	case InsDigestInit:
		return c.digestInit(cmd)
	case InsDigestUpdate:
		return c.digestUpdate(cmd)
	case InsDigestClose:
		return c.digestClose(cmd)
	case InsDigestAuthenticate:
		return c.digestAuthenticate(cmd)
	case InsGetData:
		return c.getData(cmd)
	default:
		return apdu.NewResponse(nil, apdu.SWInsNotSupported)
	}
}

func (c *Channel) selectDiversifier(cmd apdu.Command) apdu.Response {
	if cmd.P1 != 0 || cmd.P2 != 0 {
		return apdu.NewResponse(nil, apdu.SWWrongP1P2)
	}
	if n := len(cmd.Data); n != 4 && n != 8 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	c.resetLocked()
	c.diversifier = append([]byte(nil), cmd.Data...)
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

func (c *Channel) getChallenge(cmd apdu.Command) apdu.Response {
	if cmd.P1 != 0 || cmd.P2 != 0 {
		return apdu.NewResponse(nil, apdu.SWWrongP1P2)
	}
	if !cmd.HasLe || (cmd.Le != 4 && cmd.Le != 8) || len(cmd.Data) > 0 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	ch := make([]byte, cmd.Le)
	if _, err := io.ReadFull(c.module.sys.rand, ch); err != nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	c.challenge = ch
	c.digest = nil
	c.signature = nil
	return apdu.NewResponse(append([]byte(nil), ch...), apdu.SWSuccess)
}

// digestInit expects data = KIF || KVC || first message.
func (c *Channel) digestInit(cmd apdu.Command) apdu.Response {
	if len(cmd.Data) < 3 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	if c.diversifier == nil || c.challenge == nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	key, ok := c.module.key(c.keyGroup, cmd.Data[0], cmd.Data[1])
	if !ok {
		return apdu.NewResponse(nil, apdu.SWSecurityStatus)
	}
	var sessionKey []byte
	err := key.Use(func(k []byte) error {
		sessionKey = make([]byte, sessionKeyLen)
		_, err := io.ReadFull(hkdf.New(sha256.New, k, c.challenge, c.diversifier), sessionKey)
		return err
	})
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	c.digest = hmac.New(sha256.New, sessionKey)
	for i := range sessionKey {
		sessionKey[i] = 0
	}
	c.signature = nil
	writeFramed(c.digest, cmd.Data[2:])
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

func (c *Channel) digestUpdate(cmd apdu.Command) apdu.Response {
	if c.digest == nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	if len(cmd.Data) == 0 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	writeFramed(c.digest, cmd.Data)
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

func (c *Channel) digestClose(cmd apdu.Command) apdu.Response {
	if !cmd.HasLe || cmd.Le != SignatureSize || len(cmd.Data) > 0 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	if c.digest == nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	sig := c.digest.Sum(nil)[:SignatureSize]
	c.digest = nil
	c.signature = sig
	return apdu.NewResponse(append([]byte(nil), sig...), apdu.SWSuccess)
}

func (c *Channel) digestAuthenticate(cmd apdu.Command) apdu.Response {
	if len(cmd.Data) != SignatureSize {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	if c.signature == nil {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	if subtle.ConstantTimeCompare(c.signature, cmd.Data) != 1 {
		return apdu.NewResponse(nil, apdu.SWIncorrectSignature)
	}
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

// getData with P1P2=00A0 returns serial || version.
func (c *Channel) getData(cmd apdu.Command) apdu.Response {
	if cmd.P1 != 0x00 || cmd.P2 != 0xA0 {
		return apdu.NewResponse(nil, apdu.SWWrongP1P2)
	}
	out := append(c.module.info.SerialBytes(), byte(c.module.info.Version))
	return apdu.NewResponse(out, apdu.SWSuccess)
}

func writeFramed(h hash.Hash, msg []byte) {
	_, _ = h.Write([]byte{byte(len(msg))})
	_, _ = h.Write(msg)
}
