package main

import (
	"reflect"
	"testing"
)

// fakeMount records every call instead of touching the real kernel.
type fakeMount struct {
	calls []string
}

func (f *fakeMount) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.calls = append(f.calls, "mount "+source+" "+target+" "+fstype)
	return nil
}

func (f *fakeMount) Move(source, target string) error {
	f.calls = append(f.calls, "move "+source+" "+target)
	return nil
}

func (f *fakeMount) Chroot(dir string) error {
	f.calls = append(f.calls, "chroot "+dir)
	return nil
}

func (f *fakeMount) Chdir(dir string) error {
	f.calls = append(f.calls, "chdir "+dir)
	return nil
}

func (f *fakeMount) Exec(path string, args []string, env []string) error {
	f.calls = append(f.calls, "exec "+path)
	return nil
}

func TestSwitchRootOrder(t *testing.T) {
	fm := &fakeMount{}
	if err := switchRoot(fm); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"move /dev /new_root/dev",
		"move /sys /new_root/sys",
		"move /proc /new_root/proc",
		"chdir /new_root",
		"move . /",
		"chroot .",
		"chdir /",
		"exec /sbin/init",
	}
	if !reflect.DeepEqual(fm.calls, want) {
		t.Errorf("switchRoot() calls = %v, want %v", fm.calls, want)
	}
}

func TestCstr(t *testing.T) {
	buf := make([]byte, 65)
	copy(buf, "5.15.0-generic")
	if got, want := cstr(buf), "5.15.0-generic"; got != want {
		t.Errorf("cstr() = %q, want %q", got, want)
	}
}
