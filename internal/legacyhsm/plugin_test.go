package legacyhsm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/hsm/simulated"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

const twoModules = `
modules:
  - serial: "01020304"
    version: 3
    structure_version: 1
    channels: 1
    keys:
      - {group: 1, kif: 0x21, kvc: 0x79, algorithm: AES-128, value: "key-one"}
      - {group: 12, kif: 0x22, kvc: 0x79, algorithm: AES-128, value: "key-twelve"}
  - serial: "A0B0C0D0"
    version: 4
    structure_version: 1
    channels: 1
    keys:
      - {group: 1, kif: 0x21, kvc: 0x79, algorithm: AES-128, value: "key-one"}
`

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	inv, err := simulated.ParseInventory([]byte(twoModules))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	pp, err := NewFactory(simulated.New(inv)).PoolPlugin()
	if err != nil {
		t.Fatalf("PoolPlugin: %v", err)
	}
	p := pp.(*Plugin)
	t.Cleanup(p.OnUnregister)
	return p
}

func TestFactory(t *testing.T) {
	f := NewFactory(simulated.New(nil))
	if f.PoolPluginName() != PluginName || f.PluginAPIVersion() != plugin.PluginAPIVersion || f.CommonAPIVersion() != plugin.CommonAPIVersion {
		t.Fatalf("unexpected factory metadata")
	}
}

func TestReaderGroupReferences_Sorted(t *testing.T) {
	p := newTestPlugin(t)
	got := p.ReaderGroupReferences()
	if strings.Join(got, ",") != "1,12" {
		t.Fatalf("ReaderGroupReferences = %v", got)
	}
	if n := len(p.Modules(1)); n != 2 {
		t.Fatalf("group 1 should map to 2 modules, got %d", n)
	}
}

func TestAllocateReader_SpillsToNextModule(t *testing.T) {
	p := newTestPlugin(t)
	r1, err := p.AllocateReader("1")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	r2, err := p.AllocateReader("1")
	if err != nil {
		t.Fatalf("second AllocateReader should use the second module: %v", err)
	}
	if !strings.HasPrefix(r1.Name(), "HSM[01020304] Ch. #0 ") || !strings.HasPrefix(r2.Name(), "HSM[A0B0C0D0] Ch. #0 ") {
		t.Fatalf("unexpected reader names %q %q", r1.Name(), r2.Name())
	}
	_, err = p.AllocateReader("1")
	var pe *plugin.PluginIOError
	if !errors.As(err, &pe) || !strings.Contains(err.Error(), "no channel available") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if err := p.ReleaseReader(r1); err != nil {
		t.Fatalf("ReleaseReader: %v", err)
	}
	if r1.IsPhysicalChannelOpen() {
		t.Fatalf("released reader should report a closed channel")
	}
	if err := p.ReleaseReader(r1); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := p.AllocateReader("1"); err != nil {
		t.Fatalf("allocation after release: %v", err)
	}
}

func TestAllocateReader_BadReferences(t *testing.T) {
	p := newTestPlugin(t)
	if _, err := p.AllocateReader("one"); !errors.Is(err, plugin.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, got %v", err)
	}
	_, err := p.AllocateReader("99")
	var pe *plugin.PluginIOError
	if !errors.As(err, &pe) || !strings.Contains(err.Error(), "99 is not available") {
		t.Fatalf("expected unknown group error, got %v", err)
	}
	if _, err := p.AllocateReader(""); err == nil {
		t.Fatalf("empty reference maps to group 0, which does not exist")
	}
}

func TestParseGroupReference(t *testing.T) {
	for in, want := range map[string]int{"": 0, " 7 ": 7, "12": 12} {
		got, err := ParseGroupReference(in)
		if err != nil || got != want {
			t.Errorf("ParseGroupReference(%q) = %d, %v", in, got, err)
		}
	}
}

func TestReader_ATRAndTransmit(t *testing.T) {
	prev := now
	now = func() time.Time { return time.UnixMilli(1700000000000) }
	defer func() { now = prev }()

	p := newTestPlugin(t)
	r, err := p.AllocateReader("12")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	if r.Name() != "HSM[01020304] Ch. #0 1700000000000" {
		t.Fatalf("Name() = %q", r.Name())
	}
	if got := r.PowerOnData(); got != "3B3F9600805A0080C108030001020304829000" {
		t.Fatalf("PowerOnData() = %s", got)
	}
	if present, err := r.CheckCardPresence(); !present || err != nil {
		t.Fatalf("CheckCardPresence = %v, %v", present, err)
	}
	if r.IsContactless() || !r.IsPhysicalChannelOpen() {
		t.Fatalf("unexpected reader flags")
	}
	if err := r.OpenPhysicalChannel(); err != nil {
		t.Fatal(err)
	}
	if err := r.ClosePhysicalChannel(); err != nil {
		t.Fatal(err)
	}
	if !r.IsPhysicalChannelOpen() {
		t.Fatalf("close request must not close the HSM channel")
	}

	out, err := r.TransmitAPDU([]byte{0x80, 0xCA, 0x00, 0xA0})
	if err != nil {
		t.Fatalf("TransmitAPDU: %v", err)
	}
	if apdu.ToHex(out) != "01020304039000" {
		t.Fatalf("GET DATA = %X", out)
	}
	if err := p.ReleaseReader(r); err != nil {
		t.Fatalf("ReleaseReader: %v", err)
	}
	_, err = r.TransmitAPDU([]byte{0x80, 0xCA, 0x00, 0xA0})
	var re *plugin.ReaderIOError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReaderIOError after release, got %v", err)
	}
	if err := p.ReleaseReader(nil); err != nil {
		t.Fatalf("nil release should be ignored: %v", err)
	}
	if err := p.ReleaseReader((*Reader)(nil)); err != nil {
		t.Fatalf("typed nil release should be ignored: %v", err)
	}
}

func TestReader_TransmitReportsHSMFailure(t *testing.T) {
	p := newTestPlugin(t)
	r, err := p.AllocateReader("12")
	if err != nil {
		t.Fatalf("AllocateReader: %v", err)
	}
	if err := r.(*Reader).Channel().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = r.TransmitAPDU([]byte{0x80, 0xCA, 0x00, 0xA0})
	var re *plugin.ReaderIOError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReaderIOError, got %v", err)
	}
	if want := "HSM exchange failed. result=12 (channel 0 of HSM[01020304] is closed)"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestBuildATR(t *testing.T) {
	atr := BuildATR(hsm.ModuleInfo{SerialNumber: 0xCAFEBABE, Version: 9})
	want := []byte{0x3B, 0x3F, 0x96, 0x00, 0x80, 0x5A, 0x00, 0x80, 0xC1, 0x08, 0x09, 0x00, 0xCA, 0xFE, 0xBA, 0xBE, 0x82, 0x90, 0x00}
	if !bytes.Equal(atr, want) {
		t.Fatalf("BuildATR = %X", atr)
	}
	if atrTemplate[atrVersionOffset] != 0 {
		t.Fatalf("template must not be mutated")
	}
}

type fakeSystem struct {
	initErr error
	mods    []hsm.Module
	modsErr error
	freed   int
}

func (f *fakeSystem) Initialize() error              { return f.initErr }
func (f *fakeSystem) Free() error                    { f.freed++; return nil }
func (f *fakeSystem) Modules() ([]hsm.Module, error) { return f.mods, f.modsErr }

type fakeModule struct {
	keysErr error
	openErr error
}

func (m *fakeModule) Info() (*hsm.ModuleInfo, error) { return &hsm.ModuleInfo{SerialNumber: 1}, nil }
func (m *fakeModule) Keys() ([]hsm.KeyInfo, error) {
	return []hsm.KeyInfo{{Group: 3}, {Group: 3}}, m.keysErr
}
func (m *fakeModule) OpenChannel(int) (hsm.Channel, error) { return nil, m.openErr }
func (m *fakeModule) String() string                       { return "FAKE" }

func TestNewPlugin_FailuresFreeTheSystem(t *testing.T) {
	cases := map[string]*fakeSystem{
		"init":     {initErr: hsm.NewError(hsm.CodeAuth, "bad pin")},
		"modules":  {modsErr: hsm.NewError(hsm.CodeIO, "link down")},
		"empty":    {},
		"key list": {mods: []hsm.Module{&fakeModule{keysErr: hsm.NewError(hsm.CodeIO, "timeout")}}},
	}
	for name, sys := range cases {
		if _, err := NewFactory(sys).PoolPlugin(); err == nil {
			t.Errorf("%s: expected error", name)
		}
		if sys.freed != 1 {
			t.Errorf("%s: expected one Free call, got %d", name, sys.freed)
		}
	}
}

func TestAllocateReader_HSMErrorWrapped(t *testing.T) {
	sys := &fakeSystem{mods: []hsm.Module{&fakeModule{openErr: hsm.NewError(hsm.CodeIO, "link down")}}}
	pp, err := NewFactory(sys).PoolPlugin()
	if err != nil {
		t.Fatalf("PoolPlugin: %v", err)
	}
	if got := pp.ReaderGroupReferences(); len(got) != 1 || got[0] != "3" {
		t.Fatalf("duplicate keys must collapse into one group: %v", got)
	}
	_, err = pp.AllocateReader("3")
	var pe *plugin.PluginIOError
	if !errors.As(err, &pe) || !strings.Contains(err.Error(), "HSM library exception") || hsm.CodeOf(err) != hsm.CodeIO {
		t.Fatalf("unexpected error %v", err)
	}
	pp.OnUnregister()
	if sys.freed != 1 {
		t.Fatalf("OnUnregister should free the HSM")
	}
}
