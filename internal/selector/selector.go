// Package selector decides which kernel modules a built image should
// carry: either every module a generic machine might conceivably need, or
// just the ones already loaded on the build host, in both cases unioned
// with an explicit config list.
package selector

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/danyspin97/initrz/internal/kmod"
)

// Profile is which selection policy to apply.
type Profile int

const (
	General Profile = iota
	Host
)

// isModuleNeeded reports whether a module under kernel/ belongs in a
// general-purpose initramfs: filesystems, disk encryption, device mapper,
// block-device buses and controllers, and keyboard input.
func isModuleNeeded(name, relpath string) bool {
	rel := strings.TrimPrefix(relpath, "kernel/")
	if rel == relpath {
		log.Printf("selector: %s is not under kernel/, not selected by profile", relpath)
		return false
	}

	if strings.HasPrefix(rel, "fs/") && !strings.HasPrefix(rel, "fs/nls") {
		return true
	}
	if strings.HasPrefix(rel, "crypto/") || name == "dm-crypt" || name == "dm-integrity" {
		return true
	}
	if strings.HasPrefix(rel, "drivers/md/") || strings.HasPrefix(rel, "lib/") {
		return true
	}
	blockTokens := []string{
		"sd_mod", "sr_mod", "usb_storage", "firewire-sbp2", "block", "scsi",
		"fusion", "nvme", "mmc", "tifm_", "virtio",
		"drivers/ata/", "drivers/usb/host/", "drivers/usb/storage/", "drivers/firewire/",
	}
	for _, tok := range blockTokens {
		if strings.Contains(rel, tok) {
			return true
		}
	}
	if strings.HasPrefix(rel, "drivers/hid/") ||
		strings.HasPrefix(rel, "drivers/input/keyboard/") ||
		strings.HasPrefix(rel, "drivers/input/serio/") ||
		strings.Contains(rel, "usbhid") {
		return true
	}
	return false
}

// Select returns the on-disk paths (kernelRoot-joined) of every module that
// should be included in the image, given the parsed module index, the
// chosen profile, and an explicit set of additional module names from the
// builder config (always included, by simple set union with the profile's
// own selection).
func Select(idx ModuleFiles, profile Profile, additional []string, kernelRoot string) ([]string, error) {
	want := make(map[string]bool, len(additional))
	for _, name := range additional {
		want[name] = true
	}

	var hostModules map[string]bool
	if profile == Host {
		mods, err := ReadHostModules("/proc/modules")
		if err != nil {
			return nil, err
		}
		hostModules = mods
	}

	var paths []string
	for name, relpath := range idx {
		needed := isModuleNeeded(name, relpath)
		switch profile {
		case Host:
			if !(hostModules[name] && needed) && !want[name] {
				continue
			}
		default:
			if !needed && !want[name] {
				continue
			}
		}
		paths = append(paths, filepath.Join(kernelRoot, relpath))
	}
	return paths, nil
}

// ModuleFiles maps a module's stripped name to its modules.dep-relative
// file path; it is the same shape kmod.Index is built from.
type ModuleFiles map[string]string

// FromIndex extracts a name->file map from a kmod.Index's modules.dep
// contents, reusing kmod.ParseDep's parsing rather than re-reading the file.
func FromIndex(idx *kmod.Index) ModuleFiles {
	byName := idx.All()
	mf := make(ModuleFiles, len(byName))
	for name, mod := range byName {
		mf[name] = mod.File
	}
	return mf
}
