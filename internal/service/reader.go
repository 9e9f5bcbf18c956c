// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

// ErrReaderReleased is returned by exchanges on a reader given back to its plugin.
var ErrReaderReleased = errors.New("reader released")

// maxChainedResponses bounds GET RESPONSE loops against misbehaving cards.
const maxChainedResponses = 32

// Reader is an allocated reader. Exchanges are serialized.
type Reader struct {
	spi         plugin.Reader
	pluginName  string
	group       string
	allocatedAt time.Time

	mu        sync.Mutex
	released  bool
	exchanges int
}

func newReader(spi plugin.Reader, pluginName, group string) *Reader {
	return &Reader{spi: spi, pluginName: pluginName, group: group, allocatedAt: time.Now()}
}

func (r *Reader) Name() string           { return r.spi.Name() }
func (r *Reader) PluginName() string     { return r.pluginName }
func (r *Reader) GroupReference() string { return r.group }
func (r *Reader) AllocatedAt() time.Time { return r.allocatedAt }

// SPI exposes the plugin reader.
func (r *Reader) SPI() plugin.Reader { return r.spi }

// PowerOnData returns the ATR as hex.
func (r *Reader) PowerOnData() string { return r.spi.PowerOnData() }

// IsCardPresent asks the plugin.
func (r *Reader) IsCardPresent() (bool, error) { return r.spi.CheckCardPresence() }

// Exchanges returns the number of APDUs sent, chained ones included.
func (r *Reader) Exchanges() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exchanges
}

func (r *Reader) markReleased() {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}

// TransmitRaw sends one APDU without transport handling.
func (r *Reader) TransmitRaw(ctx context.Context, in []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitLocked(ctx, in)
}

// Transmit sends cmd and follows ISO 7816 transport statuses: 61XX fetches
// the remaining bytes with GET RESPONSE, 6CXX resends cmd with Le=XX.
func (r *Reader) Transmit(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	if err := cmd.Validate(); err != nil {
		return apdu.Response{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.transmitLocked(ctx, cmd.Bytes())
	if err != nil {
		return apdu.Response{}, err
	}
	resp, err := apdu.ParseResponse(raw)
	if err != nil {
		return apdu.Response{}, plugin.NewReaderIOError(err, "invalid response from %s", r.Name())
	}

	if resp.SW1() == apdu.SWWrongLe {
		raw, err = r.transmitLocked(ctx, cmd.WithLe(resp.SW2()).Bytes())
		if err != nil {
			return apdu.Response{}, err
		}
		if resp, err = apdu.ParseResponse(raw); err != nil {
			return apdu.Response{}, plugin.NewReaderIOError(err, "invalid response from %s", r.Name())
		}
	}

	data := append([]byte(nil), resp.Data...)
	for i := 0; resp.SW1() == apdu.SWResponseBytesRemain; i++ {
		if i == maxChainedResponses {
			return apdu.Response{}, plugin.NewReaderIOError(nil, "too many chained responses from %s", r.Name())
		}
		getResponse := apdu.NewCommand(cmd.CLA, 0xC0, 0x00, 0x00, nil).WithLe(resp.SW2())
		raw, err = r.transmitLocked(ctx, getResponse.Bytes())
		if err != nil {
			return apdu.Response{}, err
		}
		if resp, err = apdu.ParseResponse(raw); err != nil {
			return apdu.Response{}, plugin.NewReaderIOError(err, "invalid response from %s", r.Name())
		}
		data = append(data, resp.Data...)
	}
	return apdu.NewResponse(data, resp.SW), nil
}

func (r *Reader) transmitLocked(ctx context.Context, in []byte) ([]byte, error) {
	if r.released {
		return nil, fmt.Errorf("%w: %s", ErrReaderReleased, r.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.exchanges++
	return r.spi.TransmitAPDU(in)
}
