// Package deviceevent listens for kernel block-device uevents and turns
// them into a stream of ready-to-open device paths, loading the driver
// module for each device's MODALIAS along the way.
package deviceevent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/s-urbaniak/uevent"
)

// ModuleLoader is the subset of kmod.Loader the listener needs, kept as an
// interface so tests can supply a stub.
type ModuleLoader interface {
	LoadModalias(modalias string) error
}

// Source reads uevents from the kernel and emits the path of every block
// device ready to be probed.
type Source struct {
	reader *uevent.Reader
	dec    *uevent.Decoder
	loader ModuleLoader
	sysDir string
}

// Open binds a NETLINK_KOBJECT_UEVENT socket and returns a Source ready to
// be run. sysDir is normally "/sys"; overridable in tests.
func Open(loader ModuleLoader, sysDir string) (*Source, error) {
	r, err := uevent.NewReader()
	if err != nil {
		return nil, fmt.Errorf("opening uevent socket: %w", err)
	}
	return &Source{
		reader: r,
		dec:    uevent.NewDecoder(r),
		loader: loader,
		sysDir: sysDir,
	}, nil
}

// Close releases the underlying netlink socket. Must be called before
// switching to the real root so that udev in the real root can bind its
// own listener to the same multicast group.
func (s *Source) Close() error {
	return s.reader.Close()
}

// Run decodes uevents in a loop and sends the resolved path of every
// qualifying block device onto paths. It returns when the socket is closed
// or a decode error occurs; both are logged by the caller via the returned
// error. paths is never closed by Run — the caller owns its lifetime.
func (s *Source) Run(paths chan<- string) error {
	for {
		ev, err := s.dec.Decode()
		if err != nil {
			return fmt.Errorf("decoding uevent: %w", err)
		}

		if modalias, ok := ev.Vars["MODALIAS"]; ok {
			if err := s.loader.LoadModalias(modalias); err != nil {
				log.Printf("deviceevent: loading module for modalias %q: %v", modalias, err)
			}
		}

		devname, ok := ev.Vars["DEVNAME"]
		if !ok {
			continue
		}
		if ev.Subsystem != "block" {
			continue
		}
		// dm devices fire an "add" before the mapper node is usable; the
		// device is only ready on the subsequent "change".
		isDM := strings.HasPrefix(devname, "dm-")
		if isDM && ev.Action != "change" {
			continue
		}
		if !isDM && ev.Action != "add" {
			continue
		}
		if skipDeviceMapper(ev.Vars["DM_COOKIE"]) {
			log.Printf("deviceevent: skipping %s, DM_UDEV_DISABLE_DISK_RULES_FLAG set", devname)
			continue
		}

		path, err := s.resolvePath(ev.Devpath, devname, isDM)
		if err != nil {
			log.Printf("deviceevent: %v", err)
			continue
		}
		paths <- path
	}
}

func (s *Source) resolvePath(devpath, devname string, isDM bool) (string, error) {
	if !isDM {
		return filepath.Join("/dev", devname), nil
	}
	name, err := pollDMName(filepath.Join(s.sysDir, devpath, "dm/name"))
	if err != nil {
		return "", err
	}
	return "/dev/mapper/" + name, nil
}

// pollDMName repeatedly tries to read a file until it appears, since the
// dm/name sysfs entry can lag slightly behind the uevent announcing it.
func pollDMName(path string) (string, error) {
	const timeout = 5 * time.Second
	start := time.Now()
	for time.Since(start) < timeout {
		b, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		time.Sleep(time.Millisecond)
	}
	return "", fmt.Errorf("%s did not appear within %v", path, timeout)
}

// skipDeviceMapper reports whether a libdevmapper activation cookie carries
// DM_UDEV_DISABLE_DISK_RULES_FLAG, meaning udev rules (and thus our own
// handling) should not act on this event.
func skipDeviceMapper(dmCookie string) bool {
	if dmCookie == "" {
		return false
	}
	cookie, err := strconv.ParseUint(dmCookie, 0, 32)
	if err != nil {
		return false
	}
	const (
		udevFlagsShift       = 16
		disableDiskRulesFlag = 0x0004
	)
	flags := cookie >> udevFlagsShift
	return flags&disableDiskRulesFlag > 0
}
