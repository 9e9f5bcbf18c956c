// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"runtime/debug"
	"testing"
)

func TestResolveBuildVersion_MainVersion(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "v1.2.3"},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "v1.2.3" {
		t.Fatalf("expected v1.2.3 got %s", v)
	}
	if c != gitCommit {
		t.Fatalf("expected commit to equal package gitCommit got %s", c)
	}
	if d != buildDate {
		t.Fatalf("expected date to equal package buildDate got %s", d)
	}
}

func TestResolveBuildVersion_DependencyFallback(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "example.com/host", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: modulePath, Version: "v0.3.1-0.20260901101010-abcdef123456"},
		},
	}
	v, _, _ := resolveBuildVersion(info)
	if v != "v0.3.1-0.20260901101010-abcdef123456" {
		t.Fatalf("expected dependency version fallback got %s", v)
	}
}

func TestResolveBuildVersion_VCSSettings(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-09-30T12:00:00Z"},
		},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "dev" {
		t.Fatalf("expected dev got %s", v)
	}
	if c != "0123456" {
		t.Fatalf("expected shortened revision got %s", c)
	}
	if d != "2026-09-30T12:00:00Z" {
		t.Fatalf("expected vcs.time got %s", d)
	}
}

func TestCompositeVersion(t *testing.T) {
	if got := compositeVersion("v1", "abc1234", "2026-01-01"); got != "v1 (abc1234) built: 2026-01-01" {
		t.Fatalf("got %q", got)
	}
	if got := compositeVersion("dev", "dev", ""); got != "dev" {
		t.Fatalf("got %q", got)
	}
}
