package resource

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calypsonet/legacyhsm/internal/hsm/simulated"
	"github.com/calypsonet/legacyhsm/internal/legacyhsm"
	"github.com/calypsonet/legacyhsm/internal/plugin"
	"github.com/calypsonet/legacyhsm/internal/service"
)

const oneChannel = `
modules:
  - serial: "00C0FFEE"
    version: 2
    structure_version: 1
    channels: 1
    keys:
      - {group: 1, kif: 0x21, kvc: 0x79, algorithm: AES-128, value: "k1"}
`

type recordingAuditor struct {
	mu     sync.Mutex
	events []EventKind
}

func (a *recordingAuditor) OnCardResourceEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev.Kind)
}

func (a *recordingAuditor) kinds() []EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]EventKind(nil), a.events...)
}

func newPool(t *testing.T) *service.PoolPlugin {
	t.Helper()
	inv, err := simulated.ParseInventory([]byte(oneChannel))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	svc := service.New()
	t.Cleanup(svc.Close)
	pp, err := svc.RegisterPoolPlugin(legacyhsm.NewFactory(simulated.New(inv)))
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	return pp
}

func newStarted(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New()
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestConfigure_Validation(t *testing.T) {
	pp := newPool(t)
	cases := map[string]Config{
		"no plugins":     {Profiles: []Profile{{Name: "SAM C1"}}},
		"no profiles":    {PoolPlugins: []*service.PoolPlugin{pp}},
		"empty name":     {PoolPlugins: []*service.PoolPlugin{pp}, Profiles: []Profile{{}}},
		"duplicate":      {PoolPlugins: []*service.PoolPlugin{pp}, Profiles: []Profile{{Name: "a"}, {Name: "a"}}},
		"unknown plugin": {PoolPlugins: []*service.PoolPlugin{pp}, Profiles: []Profile{{Name: "a", Plugins: []string{"Other"}}}},
	}
	for name, cfg := range cases {
		if err := New().Configure(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	s := New()
	if err := s.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.GetCardResource(context.Background(), "a"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestGetCardResource_SAMProfile(t *testing.T) {
	pp := newPool(t)
	aud := &recordingAuditor{}
	s := newStarted(t, Config{
		PoolPlugins: []*service.PoolPlugin{pp},
		Profiles:    []Profile{{Name: "SAM C1", GroupReference: "1", Extension: SAMExtension(SAMSubtypeC1)}},
		Auditors:    []Auditor{aud},
	})

	res, err := s.GetCardResource(context.Background(), "SAM C1")
	if err != nil {
		t.Fatalf("GetCardResource: %v", err)
	}
	if res.Card != "SAM C1 serial 00C0FFEE" || res.ID == "" {
		t.Fatalf("unexpected resource %+v", res)
	}
	if len(s.InUse()) != 1 {
		t.Fatalf("expected one resource in use")
	}
	_, err = s.GetCardResource(context.Background(), "SAM C1")
	if !errors.Is(err, ErrNoResource) || !strings.Contains(err.Error(), "no channel available") {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if err := s.ReleaseCardResource(res); err != nil {
		t.Fatalf("ReleaseCardResource: %v", err)
	}
	if err := s.ReleaseCardResource(res); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := s.GetCardResource(context.Background(), "unknown"); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected unknown profile, got %v", err)
	}
	got := aud.kinds()
	if len(got) != 2 || got[0] != EventAllocated || got[1] != EventReleased {
		t.Fatalf("auditor events = %v", got)
	}
}

func TestGetCardResource_ExtensionRejects(t *testing.T) {
	pp := newPool(t)
	s := newStarted(t, Config{
		PoolPlugins: []*service.PoolPlugin{pp},
		Profiles:    []Profile{{Name: "SAM S1E1", GroupReference: "1", Extension: SAMExtension(SAMSubtypeS1E1)}},
	})
	if _, err := s.GetCardResource(context.Background(), "SAM S1E1"); !errors.Is(err, ErrNoResource) {
		t.Fatalf("expected ErrNoResource, got %v", err)
	}
	if n := len(pp.AllocatedReaders()); n != 0 {
		t.Fatalf("rejected reader should be released, %d still allocated", n)
	}
}

func TestGetCardResource_BlockingWaitsForRelease(t *testing.T) {
	pp := newPool(t)
	s := newStarted(t, Config{
		PoolPlugins:       []*service.PoolPlugin{pp},
		Profiles:          []Profile{{Name: "SAM", GroupReference: "1", Extension: SAMExtension(0)}},
		Blocking:          true,
		Cycle:             5 * time.Millisecond,
		AllocationTimeout: 2 * time.Second,
	})
	first, err := s.GetCardResource(context.Background(), "SAM")
	if err != nil {
		t.Fatalf("GetCardResource: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.ReleaseCardResource(first)
	}()
	second, err := s.GetCardResource(context.Background(), "SAM")
	if err != nil {
		t.Fatalf("blocking GetCardResource: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh resource")
	}
	if err := s.RemoveCardResource(second); err != nil {
		t.Fatalf("RemoveCardResource: %v", err)
	}
}

func TestGetCardResource_BlockingTimeout(t *testing.T) {
	pp := newPool(t)
	s := newStarted(t, Config{
		PoolPlugins:       []*service.PoolPlugin{pp},
		Profiles:          []Profile{{Name: "SAM", GroupReference: "1"}},
		Blocking:          true,
		Cycle:             5 * time.Millisecond,
		AllocationTimeout: 40 * time.Millisecond,
	})
	if _, err := s.GetCardResource(context.Background(), "SAM"); err != nil {
		t.Fatalf("GetCardResource: %v", err)
	}
	start := time.Now()
	_, err := s.GetCardResource(context.Background(), "SAM")
	if !errors.Is(err, ErrNoResource) {
		t.Fatalf("expected ErrNoResource, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("blocking allocation returned too early")
	}
}

func TestStop_ReleasesOutstanding(t *testing.T) {
	pp := newPool(t)
	s := New()
	if err := s.Configure(Config{PoolPlugins: []*service.PoolPlugin{pp}, Profiles: []Profile{{Name: "SAM", GroupReference: "1"}}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.GetCardResource(context.Background(), "SAM"); err != nil {
		t.Fatalf("GetCardResource: %v", err)
	}
	s.Stop()
	if s.IsStarted() || len(s.InUse()) != 0 || len(pp.AllocatedReaders()) != 0 {
		t.Fatalf("Stop should release everything")
	}
	if names := s.ProfileNames(); len(names) != 1 || names[0] != "SAM" {
		t.Fatalf("ProfileNames() = %v", names)
	}
}

func TestSAMExtension(t *testing.T) {
	ext := SAMExtension(SAMSubtypeC1)
	if _, err := ext.Matches("3B00"); err == nil {
		t.Fatal("short ATR should be rejected")
	}
	if _, err := ext.Matches("zz"); err == nil {
		t.Fatal("invalid hex should be rejected")
	}
	desc, err := ext.Matches("3B3F9600805A0080C108030001020304829000")
	if err != nil || desc != "SAM C1 serial 01020304" {
		t.Fatalf("Matches = %q, %v", desc, err)
	}
}

func TestGetCardResource_StopDuringAllocation(t *testing.T) {
	pp := newPool(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	ext := ExtensionFunc(func(powerOnData string) (string, error) {
		close(entered)
		<-unblock
		return powerOnData, nil
	})
	s := New()
	if err := s.Configure(Config{PoolPlugins: []*service.PoolPlugin{pp}, Profiles: []Profile{{Name: "SAM", GroupReference: "1", Extension: ext}}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	type result struct {
		res *CardResource
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.GetCardResource(context.Background(), "SAM")
		done <- result{res, err}
	}()
	<-entered
	s.Stop()
	close(unblock)

	got := <-done
	if got.res != nil || !errors.Is(got.err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v, %v", got.res, got.err)
	}
	if len(s.InUse()) != 0 || len(pp.AllocatedReaders()) != 0 {
		t.Fatalf("reader allocated during Stop must be released")
	}
}

// flakyRelease fails the first release of any reader.
type flakyRelease struct {
	plugin.PoolPlugin
	failures int
}

func (f *flakyRelease) ReleaseReader(r plugin.Reader) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("close failed")
	}
	return f.PoolPlugin.ReleaseReader(r)
}

type flakyFactory struct {
	plugin.PoolPluginFactory
	failures int
}

func (f flakyFactory) PoolPlugin() (plugin.PoolPlugin, error) {
	pp, err := f.PoolPluginFactory.PoolPlugin()
	if err != nil {
		return nil, err
	}
	return &flakyRelease{PoolPlugin: pp, failures: f.failures}, nil
}

func TestReleaseCardResource_RetryAfterFailure(t *testing.T) {
	inv, err := simulated.ParseInventory([]byte(oneChannel))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	svc := service.New()
	t.Cleanup(svc.Close)
	pp, err := svc.RegisterPoolPlugin(flakyFactory{PoolPluginFactory: legacyhsm.NewFactory(simulated.New(inv)), failures: 1})
	if err != nil {
		t.Fatalf("RegisterPoolPlugin: %v", err)
	}
	aud := &recordingAuditor{}
	s := newStarted(t, Config{
		PoolPlugins: []*service.PoolPlugin{pp},
		Profiles:    []Profile{{Name: "SAM", GroupReference: "1"}},
		Auditors:    []Auditor{aud},
	})
	res, err := s.GetCardResource(context.Background(), "SAM")
	if err != nil {
		t.Fatalf("GetCardResource: %v", err)
	}
	if err := s.ReleaseCardResource(res); err == nil || !strings.Contains(err.Error(), "close failed") {
		t.Fatalf("expected release failure, got %v", err)
	}
	if len(s.InUse()) != 1 || len(pp.AllocatedReaders()) != 1 {
		t.Fatalf("failed release must keep the resource tracked")
	}
	if got := aud.kinds(); len(got) != 1 || got[0] != EventAllocated {
		t.Fatalf("failed release must not be reported, events %v", got)
	}
	if err := s.ReleaseCardResource(res); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(s.InUse()) != 0 || len(pp.AllocatedReaders()) != 0 {
		t.Fatalf("retry should release the resource")
	}
	if got := aud.kinds(); len(got) != 2 || got[1] != EventReleased {
		t.Fatalf("events %v", got)
	}
}
