package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mount is the narrow surface the orchestrator needs from the mount
// syscall family, kept as an interface so tests can drive the rest of the
// orchestrator without touching the kernel.
type Mount interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Move(source, target string) error
	Chroot(dir string) error
	Chdir(dir string) error
	Exec(path string, args []string, env []string) error
}

// sysMount is the real, syscall-backed Mount implementation.
type sysMount struct{}

func (sysMount) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		if err == unix.EBUSY {
			return nil // already mounted, e.g. /sys mounted twice
		}
		return fmt.Errorf("mount(%s, %s, %s): %w", source, target, fstype, err)
	}
	return nil
}

func (sysMount) Move(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_MOVE, "")
}

func (sysMount) Chroot(dir string) error {
	return unix.Chroot(dir)
}

func (sysMount) Chdir(dir string) error {
	return unix.Chdir(dir)
}

func (sysMount) Exec(path string, args []string, env []string) error {
	return unix.Exec(path, args, env)
}
