package kmod

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDep(t *testing.T) {
	got, err := ParseDep(filepath.Join("testdata", "modules.dep"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]Module{
		"qrtr-mhi": {
			Name: "qrtr-mhi",
			File: "kernel/net/qrtr/qrtr-mhi.ko.xz",
			Deps: []string{"mhi", "ns", "qrtr"},
		},
		"nvidia-uvm": {
			Name: "nvidia-uvm",
			File: "kernel/drivers/video/nvidia-uvm.ko.xz",
			Deps: []string{"nvidia"},
		},
		"nvidia": {
			Name: "nvidia",
			File: "kernel/drivers/video/nvidia.ko.xz",
		},
	}
	if len(got) != len(want) {
		t.Fatalf("ParseDep() returned %d entries, want %d", len(got), len(want))
	}
	for name, wantMod := range want {
		gotMod, ok := got[name]
		if !ok {
			t.Errorf("missing module %q", name)
			continue
		}
		if gotMod.File != wantMod.File {
			t.Errorf("module %q File = %q, want %q", name, gotMod.File, wantMod.File)
		}
		if diff := cmp.Diff(wantMod.Deps, gotMod.Deps); diff != "" {
			t.Errorf("module %q Deps mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestParseAlias(t *testing.T) {
	aliases, err := ParseAlias(filepath.Join("testdata", "modules.alias"))
	if err != nil {
		t.Fatal(err)
	}
	want := []Alias{
		{Pattern: "pci:v00001234d*", Module: "nvidia"},
		{Pattern: "usb:v1234p5678*", Module: "usb-storage"},
	}
	if diff := cmp.Diff(want, aliases); diff != "" {
		t.Errorf("ParseAlias() mismatch (-want +got):\n%s", diff)
	}
}

func TestByModalias(t *testing.T) {
	idx := &Index{aliases: []Alias{
		{Pattern: "pci:v00001234d*", Module: "nvidia"},
	}}
	mod, ok := idx.ByModalias("pci:v00001234d5678sv00000000sd00000000bc03sc00i00")
	if !ok || mod != "nvidia" {
		t.Errorf("ByModalias() = (%q, %v), want (nvidia, true)", mod, ok)
	}
	if _, ok := idx.ByModalias("no-match"); ok {
		t.Error("ByModalias() matched when it should not have")
	}
}

func TestModuleName(t *testing.T) {
	cases := map[string]string{
		"kernel/drivers/video/nvidia.ko.xz": "nvidia",
		"kernel/fs/ext4/ext4.ko.zst":         "ext4",
		"kernel/fs/ext4/ext4.ko":             "ext4",
	}
	for in, want := range cases {
		if got := moduleName(in); got != want {
			t.Errorf("moduleName(%q) = %q, want %q", in, got, want)
		}
	}
}

// fakeKernel is a test double standing in for the kernel's init_module
// primitive, recording calls instead of inserting anything.
type fakeKernel struct {
	mu    sync.Mutex
	calls []string
	seen  map[string]bool
}

func (f *fakeKernel) insert(mod Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mod.Name)
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	for _, dep := range mod.Deps {
		if !f.seen[dep] {
			return fmt.Errorf("dependency %s of %s inserted after %s", dep, mod.Name, mod.Name)
		}
	}
	f.seen[mod.Name] = true
	return nil
}

func testIndex() *Index {
	return &Index{byName: map[string]Module{
		"mhi":      {Name: "mhi"},
		"ns":       {Name: "ns"},
		"qrtr":     {Name: "qrtr", Deps: []string{"ns"}},
		"qrtr-mhi": {Name: "qrtr-mhi", Deps: []string{"mhi", "ns", "qrtr"}},
	}}
}

func TestLoadIdempotent(t *testing.T) {
	fk := &fakeKernel{}
	l := NewLoader(testIndex(), "/unused")
	l.insert = fk.insert

	st1, err := l.Load("qrtr-mhi")
	if err != nil {
		t.Fatal(err)
	}
	st2, err := l.Load("qrtr-mhi")
	if err != nil {
		t.Fatal(err)
	}
	if st1 != Loaded || st2 != Loaded {
		t.Fatalf("Load statuses = %v, %v, want Loaded, Loaded", st1, st2)
	}
	count := 0
	for _, c := range fk.calls {
		if c == "qrtr-mhi" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("init_module(qrtr-mhi) called %d times, want 1", count)
	}
}

func TestLoadOrdering(t *testing.T) {
	fk := &fakeKernel{}
	l := NewLoader(testIndex(), "/unused")
	l.insert = fk.insert

	if _, err := l.Load("qrtr-mhi"); err != nil {
		t.Fatal(err)
	}
	if !l.isLoaded("mhi") || !l.isLoaded("ns") || !l.isLoaded("qrtr") {
		t.Fatal("transitive dependencies were not marked loaded")
	}
}

func TestLoadUnknown(t *testing.T) {
	l := NewLoader(testIndex(), "/unused")
	l.insert = (&fakeKernel{}).insert
	st, err := l.Load("builtin-thing")
	if err != nil {
		t.Fatal(err)
	}
	if st != Unknown {
		t.Errorf("Load(builtin-thing) = %v, want Unknown", st)
	}
}
