package service

import (
	"context"
	"errors"
	"testing"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm/simulated"
	"github.com/calypsonet/legacyhsm/internal/legacyhsm"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

type versionedFactory struct {
	plugin.PoolPluginFactory
	pluginAPI string
}

func (f versionedFactory) PluginAPIVersion() string { return f.pluginAPI }

func TestRegisterPoolPlugin(t *testing.T) {
	s := New()
	defer s.Close()

	pp, err := s.RegisterPoolPlugin(legacyhsm.NewFactory(simulated.New(nil)))
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	if pp.Name() != legacyhsm.PluginName {
		t.Fatalf("Name() = %s", pp.Name())
	}
	if _, err := s.RegisterPoolPlugin(legacyhsm.NewFactory(simulated.New(nil))); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	got, err := s.Plugin(legacyhsm.PluginName)
	if err != nil || got != pp {
		t.Fatalf("Plugin() = %v, %v", got, err)
	}
	if names := s.PluginNames(); len(names) != 1 || names[0] != legacyhsm.PluginName {
		t.Fatalf("PluginNames() = %v", names)
	}
	if _, err := s.Plugin("nope"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
	if _, err := s.RegisterPoolPlugin(nil); !errors.Is(err, plugin.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument for nil factory, got %v", err)
	}
}

func TestRegisterPoolPlugin_APIVersion(t *testing.T) {
	s := New()
	f := versionedFactory{PoolPluginFactory: legacyhsm.NewFactory(simulated.New(nil)), pluginAPI: "1.9"}
	if _, err := s.RegisterPoolPlugin(f); !errors.Is(err, ErrIncompatibleAPI) {
		t.Fatalf("expected incompatible API, got %v", err)
	}
	f.pluginAPI = "2.7"
	if _, err := s.RegisterPoolPlugin(f); err != nil {
		t.Fatalf("same major version should be accepted: %v", err)
	}
	s.Close()
}

func TestAllocateTransmitRelease(t *testing.T) {
	s := New()
	defer s.Close()
	pp, err := s.RegisterPoolPlugin(legacyhsm.NewFactory(simulated.New(nil)))
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	if refs := pp.ReaderGroupReferences(); len(refs) != 2 {
		t.Fatalf("ReaderGroupReferences() = %v", refs)
	}
	r, err := pp.AllocateReader("1")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	if r.GroupReference() != "1" || r.PluginName() != legacyhsm.PluginName {
		t.Fatalf("unexpected reader metadata")
	}
	if len(pp.AllocatedReaders()) != 1 {
		t.Fatalf("expected one allocated reader")
	}
	resp, err := r.Transmit(context.Background(), apdu.NewCommand(0x80, 0xCA, 0x00, 0xA0, nil))
	if err != nil || !resp.OK() || apdu.ToHex(resp.Data) != "0A0B0C0D03" {
		t.Fatalf("Transmit = %v, %v", resp, err)
	}
	if r.Exchanges() != 1 {
		t.Fatalf("Exchanges() = %d", r.Exchanges())
	}
	if err := pp.ReleaseReader(r); err != nil {
		t.Fatalf("ReleaseReader: %v", err)
	}
	if _, err := r.Transmit(context.Background(), apdu.NewCommand(0x80, 0xCA, 0x00, 0xA0, nil)); !errors.Is(err, ErrReaderReleased) {
		t.Fatalf("expected released error, got %v", err)
	}
	if err := pp.ReleaseReader(r); !errors.Is(err, plugin.ErrIllegalArgument) {
		t.Fatalf("double release should be refused, got %v", err)
	}
}

func TestUnregisterReleasesReaders(t *testing.T) {
	s := New()
	pp, err := s.RegisterPoolPlugin(legacyhsm.NewFactory(simulated.New(nil)))
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	r, err := pp.AllocateReader("2")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	if err := s.UnregisterPlugin(legacyhsm.PluginName); err != nil {
		t.Fatalf("UnregisterPlugin: %v", err)
	}
	if len(pp.AllocatedReaders()) != 0 {
		t.Fatalf("readers should be released on unregistration")
	}
	if r.SPI().IsPhysicalChannelOpen() {
		t.Fatalf("HSM channel should be closed")
	}
	if err := s.UnregisterPlugin(legacyhsm.PluginName); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}

// failingRelease refuses the first release request.
type failingRelease struct {
	plugin.PoolPlugin
	failed bool
}

func (f *failingRelease) ReleaseReader(r plugin.Reader) error {
	if !f.failed {
		f.failed = true
		return errors.New("close failed")
	}
	return f.PoolPlugin.ReleaseReader(r)
}

type failingReleaseFactory struct{ plugin.PoolPluginFactory }

func (f failingReleaseFactory) PoolPlugin() (plugin.PoolPlugin, error) {
	pp, err := f.PoolPluginFactory.PoolPlugin()
	if err != nil {
		return nil, err
	}
	return &failingRelease{PoolPlugin: pp}, nil
}

func TestReleaseReader_FailureKeepsReaderTracked(t *testing.T) {
	s := New()
	defer s.Close()
	pp, err := s.RegisterPoolPlugin(failingReleaseFactory{legacyhsm.NewFactory(simulated.New(nil))})
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	r, err := pp.AllocateReader("1")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	if err := pp.ReleaseReader(r); err == nil {
		t.Fatalf("expected the first release to fail")
	}
	if len(pp.AllocatedReaders()) != 1 {
		t.Fatalf("reader must stay tracked after a failed release")
	}
	if _, err := r.Transmit(context.Background(), apdu.NewCommand(0x80, 0xCA, 0x00, 0xA0, nil)); err != nil {
		t.Fatalf("reader must stay usable after a failed release: %v", err)
	}
	if err := pp.ReleaseReader(r); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(pp.AllocatedReaders()) != 0 || r.SPI().IsPhysicalChannelOpen() {
		t.Fatalf("retry should release the reader and close its channel")
	}
}
