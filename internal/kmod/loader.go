package kmod

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
)

// Status reports the outcome of a Load call.
type Status int

const (
	// Unknown means the name is not present in the index; it may be a
	// builtin module compiled into the kernel, which is not an error.
	Unknown Status = iota
	// Loaded means the module (and all of its dependencies) are present
	// in the kernel, whether this call inserted them or a previous one did.
	Loaded
)

// Loader loads kernel modules on demand, resolving dependencies from an
// Index and tracking what has already been inserted. Safe for concurrent
// use: the loaded set is guarded by a mutex, but the (possibly slow)
// kernel insertion itself happens outside the lock so independent modules
// can load in parallel.
type Loader struct {
	idx        *Index
	kernelRoot string

	mu     sync.RWMutex
	loaded map[string]bool

	// insert performs the actual kernel insertion for a resolved module.
	// Overridden in tests with a recording stand-in for init_module.
	insert func(Module) error
}

// NewLoader returns a Loader that reads module blobs relative to
// kernelRoot (typically /lib/modules/<kver>).
func NewLoader(idx *Index, kernelRoot string) *Loader {
	l := &Loader{
		idx:        idx,
		kernelRoot: kernelRoot,
		loaded:     make(map[string]bool),
	}
	l.insert = l.insertModule
	return l
}

// Load inserts name and its transitive dependencies into the kernel, in
// dependency order. It is idempotent: loading an already-loaded module
// performs no work and still returns Loaded.
func (l *Loader) Load(name string) (Status, error) {
	l.mu.RLock()
	already := l.loaded[name]
	l.mu.RUnlock()
	if already {
		return Loaded, nil
	}

	mod, ok := l.idx.ByName(name)
	if !ok {
		// Might be builtin; not an error.
		return Unknown, nil
	}

	for _, dep := range mod.Deps {
		if _, err := l.Load(dep); err != nil {
			return Unknown, fmt.Errorf("loading dependency %s of %s: %w", dep, name, err)
		}
	}

	l.mu.Lock()
	alreadyNow := l.loaded[name]
	if !alreadyNow {
		l.loaded[name] = true
	}
	l.mu.Unlock()
	if alreadyNow {
		// Someone else raced us between the dep loads and here.
		return Loaded, nil
	}

	if err := l.insert(mod); err != nil {
		l.mu.Lock()
		delete(l.loaded, name)
		l.mu.Unlock()
		return Unknown, err
	}
	return Loaded, nil
}

// isLoaded reports whether name has already been inserted (or found already
// present). Intended for tests and diagnostics.
func (l *Loader) isLoaded(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[name]
}

// LoadModalias resolves modalias to a module name via the index and loads
// it. It is a no-op if no alias pattern matches.
func (l *Loader) LoadModalias(modalias string) error {
	name, ok := l.idx.ByModalias(modalias)
	if !ok {
		return nil
	}
	_, err := l.Load(name)
	return err
}

// insertModule decompresses mod's backing file and hands the result to the
// kernel's init_module primitive. EEXIST (another loader beat us to it
// because of the unlocked window above), EBUSY, ENODEV, and ENOENT are all
// treated as success: the module is either already present or not actually
// insertable, neither of which should abort the boot.
func (l *Loader) insertModule(mod Module) error {
	path := filepath.Join(l.kernelRoot, mod.File)
	r, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("opening module %s: %w", mod.Name, err)
	}
	defer r.Close()

	raw := make([]byte, r.Len())
	if _, err := r.ReadAt(raw, 0); err != nil && err != io.EOF {
		return fmt.Errorf("reading module %s: %w", mod.Name, err)
	}

	buf, err := decompress(raw)
	if err != nil {
		if err == errUnknownFormat {
			log.Printf("kmod: unsupported compression for module %s, treating as absent", mod.Name)
			return nil
		}
		return fmt.Errorf("decompressing module %s: %w", mod.Name, err)
	}

	if err := unix.InitModule(buf, ""); err != nil {
		switch err {
		case unix.EEXIST, unix.EBUSY, unix.ENODEV, unix.ENOENT:
			// already loaded by another path, or not actually insertable; fine
		default:
			return fmt.Errorf("init_module(%s): %w", mod.Name, err)
		}
	}
	return nil
}

var errUnknownFormat = fmt.Errorf("unknown module compression format")

// magic bytes for the two supported compression formats.
var (
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func decompress(raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, xzMagic):
		r, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case bytes.HasPrefix(raw, zstdMagic):
		dec, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return io.ReadAll(dec)
	default:
		return nil, errUnknownFormat
	}
}
