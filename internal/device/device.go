// Package device matches newly appeared block devices against the root
// spec and the crypttab, unlocking LUKS volumes and activating LVM volume
// groups as needed, until the real root device is found.
package device

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/danyspin97/initrz/internal/blkid"
	"github.com/danyspin97/initrz/internal/bootspec"
)

// Runner executes external activation helpers (cryptsetup, vgchange,
// vgmknodes). Abstracted so tests can substitute a recording stub instead
// of shelling out.
type Runner interface {
	Run(name string, args ...string) error
}

// execRunner runs real binaries, inheriting stdio so cryptsetup can prompt
// on the console.
type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

// Handler drives the per-device matching procedure: check for an encrypted-
// device match, then a root match, then an LVM signature. It is not safe
// for concurrent Handle calls; the boot orchestrator drains the uevent
// channel on a single goroutine.
type Handler struct {
	Root       *bootspec.RootSpec
	Encrypted  []bootspec.EncryptedDevice
	Runner     Runner
	rootFound  atomic.Bool
	cryptsetup string // path to the cryptsetup binary
}

// NewHandler constructs a Handler for the given root spec and crypttab
// entries. cryptsetupPath is normally "/sbin/cryptsetup" inside the image.
func NewHandler(root *bootspec.RootSpec, encrypted []bootspec.EncryptedDevice, cryptsetupPath string) *Handler {
	return &Handler{
		Root:       root,
		Encrypted:  encrypted,
		Runner:     execRunner{},
		cryptsetup: cryptsetupPath,
	}
}

// RootFound reports whether the root device has been located.
func (h *Handler) RootFound() bool {
	return h.rootFound.Load()
}

// Handle runs the matching procedure described on Handler against a single
// newly appeared device path.
func (h *Handler) Handle(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := blkid.Probe(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("probing %s: %w", path, err)
	}

	if rec, ok := h.matchEncrypted(path, info); ok {
		return h.unlock(path, rec)
	}

	if h.matchesRoot(path, info) {
		h.Root.Devpath = path
		h.rootFound.Store(true)
		log.Printf("device: root device found at %s", path)
		return nil
	}

	switch info.Type {
	case blkid.LVM:
		if err := h.Runner.Run("/sbin/vgchange", "-ay"); err != nil {
			return err
		}
		return h.Runner.Run("/sbin/vgmknodes")
	case blkid.Unknown:
		// no signature; nothing to do
	}
	return nil
}

// ScanExisting walks a pre-probed cache and applies Handle's matching logic
// to every entry, used for the root-search fast path and to unlock any
// encrypted devices the kernel had already enumerated at startup.
func (h *Handler) ScanExisting(cache blkid.Cache, devDir string) {
	for _, e := range cache {
		if h.rootFound.Load() {
			return
		}
		path := devDir + "/" + e.DevName
		if rec, ok := h.matchEncrypted(path, e.Info); ok {
			if err := h.unlock(path, rec); err != nil {
				log.Printf("device: unlocking %s: %v", path, err)
			}
			continue
		}
		if h.matchesRoot(path, e.Info) {
			h.Root.Devpath = path
			h.rootFound.Store(true)
			log.Printf("device: root device found at %s", path)
		}
	}
}

// matchEncrypted prefers an exact path match, falling back to UUID.
func (h *Handler) matchEncrypted(path string, info blkid.Info) (bootspec.EncryptedDevice, bool) {
	for _, rec := range h.Encrypted {
		if rec.Identifier.Kind == bootspec.ByPath && rec.Identifier.Value == path {
			return rec, true
		}
	}
	if info.UUID == "" {
		return bootspec.EncryptedDevice{}, false
	}
	for _, rec := range h.Encrypted {
		if rec.Identifier.Kind == bootspec.ByUUID && rec.Identifier.Value == info.UUID {
			return rec, true
		}
	}
	return bootspec.EncryptedDevice{}, false
}

func (h *Handler) matchesRoot(path string, info blkid.Info) bool {
	switch h.Root.Identifier.Kind {
	case bootspec.ByPath:
		return h.Root.Identifier.Value == path
	case bootspec.ByUUID:
		return info.UUID != "" && h.Root.Identifier.Value == info.UUID
	default:
		return false
	}
}

// unlock activates an encrypted device by keyfile or interactive
// passphrase, going through cryptsetup luksOpen for both LUKS1 and LUKS2
// headers.
func (h *Handler) unlock(path string, rec bootspec.EncryptedDevice) error {
	if !rec.Unlock.AskPassphrase {
		return h.Runner.Run(h.cryptsetup, "luksOpen", "--key-file", rec.Unlock.KeyfilePath, path, rec.Name)
	}

	pass, err := promptPassphrase(rec)
	if err != nil {
		return fmt.Errorf("prompting passphrase for %s: %w", rec.Name, err)
	}
	cmd := exec.Command(h.cryptsetup, "luksOpen", path, rec.Name, "--key-file", "-")
	cmd.Stdin = bytes.NewReader(pass)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cryptsetup luksOpen %s: %w", rec.Name, err)
	}
	return nil
}

// promptPassphrase reads a passphrase from the controlling tty without
// echoing it, falling back to a plain line read when stdin is not a
// terminal (e.g. under test or a serial console without termios support).
func promptPassphrase(rec bootspec.EncryptedDevice) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "Enter passphrase for %s (%s): ", rec.Name, rec.Identifier)
	if isatty.IsTerminal(os.Stdin.Fd()) {
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return pass, err
	}
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 && buf[0] != '\n' {
			line = append(line, buf[0])
		}
		if n > 0 && buf[0] == '\n' {
			break
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return line, nil
}
