// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package legacyhsm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

// atrTemplate is the virtual ATR of a Calypso SAM C1 issued by the HSM
// vendor. Bytes 10 and 12-15 are patched per module.
var atrTemplate = [...]byte{
	// ISO header
	0x3B, 0x3F, 0x96, 0x00,
	// historical bytes
	0x80, 0x5A,
	0x00,                   // platform [6]
	0x80,                   // application type: SAM [7]
	0xC1,                   // application subtype: C1 [8]
	0x08,                   // software issuer [9]
	0x00,                   // software version [10]
	0x00,                   // software revision [11]
	0x00, 0x00, 0x00, 0x00, // serial number [12-15]
	// status
	0x82, 0x90, 0x00,
}

// Offsets into the virtual ATR.
const (
	ATRSubtypeOffset = 8
	atrVersionOffset = 10
	atrSerialOffset  = 12
)

// now is replaced in tests.
var now = time.Now

// Reader is a virtual SAM reader owning one HSM channel.
type Reader struct {
	name    string
	channel hsm.Channel
	atr     []byte

	mu       sync.Mutex
	open     bool
	released bool
}

var _ plugin.Reader = (*Reader)(nil)

func newReader(ch hsm.Channel) (*Reader, error) {
	info, err := ch.Module().Info()
	if err != nil {
		return nil, fmt.Errorf("could not read infos of %s: %w", ch.Module(), err)
	}
	if info == nil {
		return nil, fmt.Errorf("the HSM library returned no info for %s", ch.Module())
	}
	r := &Reader{
		name:    fmt.Sprintf("%s Ch. #%d %d", ch.Module(), ch.ID(), now().UnixMilli()),
		channel: ch,
		atr:     BuildATR(*info),
		open:    true,
	}
	if logging.DebugEnabled() {
		logger().Debugf("Creation of a HSM SAM reader. CHANNEL = %s, VIRTUAL ATR = %s",
			strings.Join(strings.Fields(ch.Info().Dump("")), " "), apdu.ToHex(r.atr))
	}
	return r, nil
}

// BuildATR returns the virtual ATR for a module.
func BuildATR(info hsm.ModuleInfo) []byte {
	atr := atrTemplate
	atr[atrVersionOffset] = byte(info.Version)
	copy(atr[atrSerialOffset:atrSerialOffset+4], info.SerialBytes())
	return atr[:]
}

// freeChannel closes the HSM channel; the reader is unusable afterwards.
func (r *Reader) freeChannel() error {
	logger().Debug("Free reader channel request.")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil || r.released {
		return nil
	}
	if err := r.channel.Close(); err != nil {
		return plugin.NewReaderIOError(err, "could not close channel %d", r.channel.ID())
	}
	r.open = false
	r.released = true
	return nil
}

func (r *Reader) Name() string { return r.name }

// Channel exposes the underlying HSM channel.
func (r *Reader) Channel() hsm.Channel { return r.channel }

// OpenPhysicalChannel is a no-op: the channel is opened at allocation.
func (r *Reader) OpenPhysicalChannel() error {
	logger().Debug("Open physical channel requested.")
	return nil
}

// ClosePhysicalChannel is a no-op: the channel is closed at release.
func (r *Reader) ClosePhysicalChannel() error {
	logger().Debug("Close physical channel requested.")
	return nil
}

func (r *Reader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// CheckCardPresence is always true: the SAM lives in the HSM.
func (r *Reader) CheckCardPresence() (bool, error) {
	logger().Debug("Check card presence requested.")
	return true, nil
}

// PowerOnData returns the virtual ATR as hex.
func (r *Reader) PowerOnData() string {
	atr := apdu.ToHex(r.atr)
	logger().Debugf("Get power on requested. ATR = %s", atr)
	return atr
}

// TransmitAPDU forwards in to the HSM channel and returns a copy of the answer.
func (r *Reader) TransmitAPDU(in []byte) ([]byte, error) {
	log := logger()
	log.Debugf("APDU_REQ = %s", apdu.ToHex(in))
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return nil, plugin.NewReaderIOError(nil, "reader %s has been released", r.name)
	}
	out, err := r.channel.Exchange(in)
	if err != nil {
		return nil, plugin.NewReaderIOError(nil, "HSM exchange failed. result=%02X (%s)", hsm.CodeOf(err), hsm.MessageOf(err))
	}
	log.Debugf("APDU_RSP = %s", apdu.ToHex(out))
	if out == nil {
		return nil, nil
	}
	return append([]byte(nil), out...), nil
}

func (r *Reader) IsContactless() bool { return false }

func (r *Reader) OnUnregister() {}
