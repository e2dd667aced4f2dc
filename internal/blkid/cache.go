package blkid

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Entry pairs a device name (as it appears under /dev) with the signature
// found on it.
type Entry struct {
	DevName string
	Info    Info
}

// Cache is a snapshot of every currently enumerated block device's
// signature, built by walking /sys/block. It is a plain slice rather than a
// long-lived handle: the boot agent re-probes whenever it needs a fresh
// view, matching the "acquired per call" resource model of the device
// handler.
type Cache []Entry

// ProbeAll walks sysBlockDir (typically /sys/block) and opens each entry (and
// each of its partitions) under devDir (typically /dev), reading its
// signature. Devices that fail to open or probe are logged and skipped;
// loop devices are ignored.
func ProbeAll(sysBlockDir, devDir string) Cache {
	var cache Cache
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		log.Printf("blkid: reading %s: %v", sysBlockDir, err)
		return cache
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "loop") {
			continue
		}
		cache = probeOne(cache, devDir, name)

		target, err := filepath.EvalSymlinks(filepath.Join(sysBlockDir, name))
		if err != nil {
			continue
		}
		parts, err := os.ReadDir(target)
		if err != nil {
			continue
		}
		for _, p := range parts {
			if !strings.HasPrefix(p.Name(), name) || p.Name() == name {
				continue
			}
			cache = probeOne(cache, devDir, p.Name())
		}
	}
	return cache
}

func probeOne(cache Cache, devDir, name string) Cache {
	f, err := os.Open(filepath.Join(devDir, name))
	if err != nil {
		log.Printf("blkid: opening %s: %v", name, err)
		return cache
	}
	defer f.Close()
	info, err := Probe(f)
	if err != nil {
		log.Printf("blkid: probing %s: %v", name, err)
		return cache
	}
	return append(cache, Entry{DevName: name, Info: info})
}

// ByUUID returns the first entry in the cache carrying the given UUID.
func (c Cache) ByUUID(uuid string) (Entry, bool) {
	for _, e := range c {
		if e.Info.UUID == uuid {
			return e, true
		}
	}
	return Entry{}, false
}
