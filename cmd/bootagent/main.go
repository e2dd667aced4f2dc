// Command bootagent is the /init binary embedded into an initramfs image.
// Running as PID 1, it discovers block devices via kernel uevents, loads
// kernel modules on demand, unlocks LUKS volumes per a crypttab, mounts
// the real root filesystem, and switch_roots into it.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/danyspin97/initrz/internal/blkid"
	"github.com/danyspin97/initrz/internal/bootspec"
	"github.com/danyspin97/initrz/internal/device"
	"github.com/danyspin97/initrz/internal/deviceevent"
	"github.com/danyspin97/initrz/internal/kmod"
)

const (
	cryptsetupPath = "/sbin/cryptsetup"
	busyboxPath    = "/bin/busybox"
	realInitPath   = "/sbin/init"
	crypttabPath   = "/etc/crypttab"
	newRoot        = "/new_root"
)

// essentialModules are preloaded unconditionally to bring up block devices
// inside common virtualized environments.
var essentialModules = []string{"virtio_blk", "virtio_pci"}

func main() {
	log.SetPrefix("bootagent: ")
	log.SetFlags(0)

	if err := run(sysMount{}); err != nil {
		log.Printf("fatal: %v", err)
		rescue()
	}
}

// rescue execs a busybox shell in place of panicking, so a failed boot
// leaves the operator with a usable console instead of a kernel panic.
func rescue() {
	if err := unix.Exec(busyboxPath, []string{busyboxPath, "sh"}, os.Environ()); err != nil {
		log.Fatalf("rescue shell failed: %v", err)
	}
}

func run(m Mount) error {
	var eg errgroup.Group
	eg.Go(func() error { return m.Mount("dev", "/dev", "devtmpfs", 0, "") })
	eg.Go(func() error { return m.Mount("sys", "/sys", "sysfs", 0, "") })
	eg.Go(func() error { return m.Mount("proc", "/proc", "proc", 0, "") })
	eg.Go(func() error { return os.MkdirAll("/run/cryptsetup", 0755) })
	eg.Go(func() error { return os.MkdirAll(newRoot, 0755) })
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("mounting special filesystems: %w", err)
	}

	cmdlineRaw, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return fmt.Errorf("reading /proc/cmdline: %w", err)
	}
	args := bootspec.ParseCmdline(string(cmdlineRaw))
	root, err := bootspec.RootFromCmdline(args)
	if err != nil {
		return fmt.Errorf("parsing root spec: %w", err)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname: %w", err)
	}
	kver := cstr(uts.Release[:])
	kernelRoot := filepath.Join("/lib/modules", kver)

	idx, err := kmod.NewIndex(
		filepath.Join(kernelRoot, "modules.dep"),
		filepath.Join(kernelRoot, "modules.alias"),
	)
	if err != nil {
		return fmt.Errorf("parsing module index: %w", err)
	}
	loader := kmod.NewLoader(idx, kernelRoot)

	for _, name := range essentialModules {
		if _, err := loader.Load(name); err != nil {
			log.Printf("preloading %s: %v", name, err)
		}
	}

	encrypted, err := bootspec.ParseCrypttab(crypttabPath)
	if err != nil {
		return fmt.Errorf("parsing crypttab: %w", err)
	}
	handler := device.NewHandler(&root, encrypted, cryptsetupPath)

	// Bind the uevent socket before scanning or unlocking anything: unlocking
	// an encrypted root here can itself create a new dm-* device, and its
	// uevent would be lost if nothing had joined the multicast group yet.
	src, err := deviceevent.Open(loader, "/sys")
	if err != nil {
		return fmt.Errorf("opening uevent source: %w", err)
	}

	cache := blkid.ProbeAll("/sys/block", "/dev")
	handler.ScanExisting(cache, "/dev")

	paths := make(chan string, 64)
	go func() {
		if err := src.Run(paths); err != nil {
			log.Printf("uevent source: %v", err)
		}
	}()

	primeModaliasesFromSysfs(loader)

	if !handler.RootFound() {
		if err := drainUntilRootFound(handler, paths); err != nil {
			return err
		}
	}

	if err := mountRoot(m, &root, loader); err != nil {
		return fmt.Errorf("mounting root filesystem: %w", err)
	}

	// udev in the real root needs to bind its own listener to the same
	// multicast group; we must give it up before switch_root.
	if err := src.Close(); err != nil {
		log.Printf("closing uevent source: %v", err)
	}

	if err := switchRoot(m); err != nil {
		return fmt.Errorf("switch_root: %w", err)
	}
	return nil
}

// drainUntilRootFound reads device paths off the channel, dispatching each
// to the handler, until the handler reports the root device has appeared.
func drainUntilRootFound(h *device.Handler, paths <-chan string) error {
	for path := range paths {
		if err := h.Handle(path); err != nil {
			log.Printf("handling %s: %v", path, err)
			continue
		}
		if h.RootFound() {
			return nil
		}
	}
	return fmt.Errorf("uevent source closed before root device appeared")
}

// primeModaliasesFromSysfs walks /sys for every "modalias" file and loads
// the corresponding driver, in parallel, so devices already enumerated by
// the kernel at startup get their modules before the uevent listener would
// otherwise have gotten around to them.
func primeModaliasesFromSysfs(loader *kmod.Loader) {
	jobs := make(chan string, 256)

	var eg errgroup.Group
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for path := range jobs {
				b, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				modalias := strings.TrimSpace(string(b))
				if modalias == "" {
					continue
				}
				if err := loader.LoadModalias(modalias); err != nil {
					log.Printf("loading modalias from %s: %v", path, err)
				}
			}
			return nil
		})
	}

	err := filepath.Walk("/sys", func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.Name() == "modalias" {
			jobs <- path
		}
		return nil
	})
	close(jobs)
	if err != nil {
		log.Printf("walking /sys for modaliases: %v", err)
	}
	_ = eg.Wait()
}

// mountRoot resolves the Filesystem spec (probing via blkid if Auto),
// loads the matching kernel module if one is known, and mounts the root
// device at newRoot.
func mountRoot(m Mount, root *bootspec.RootSpec, loader *kmod.Loader) error {
	fstype := root.Filesystem.String()
	if root.Filesystem.Kind == bootspec.Auto {
		f, err := os.Open(root.Devpath)
		if err != nil {
			return err
		}
		info, err := blkid.Probe(f)
		f.Close()
		if err != nil {
			return err
		}
		fstype = info.Type.String()
	}
	if fstype != "" && fstype != "unknown" {
		if _, err := loader.Load(fstype); err != nil {
			log.Printf("loading filesystem module %s: %v", fstype, err)
		}
	}
	return m.Mount(root.Devpath, newRoot, fstype, 0, "")
}

// switchRoot moves the special mounts under newRoot, then chroots and
// execs the real init, following the chdir/MS_MOVE/chroot/chdir dance
// busybox's switch_root documents.
func switchRoot(m Mount) error {
	for _, dir := range []string{"dev", "sys", "proc"} {
		if err := m.Move("/"+dir, filepath.Join(newRoot, dir)); err != nil {
			return fmt.Errorf("moving /%s: %w", dir, err)
		}
	}
	if err := m.Chdir(newRoot); err != nil {
		return err
	}
	if err := m.Move(".", "/"); err != nil {
		return fmt.Errorf("moving root mount: %w", err)
	}
	if err := m.Chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := m.Chdir("/"); err != nil {
		return err
	}
	return m.Exec(realInitPath, []string{realInitPath}, os.Environ())
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

