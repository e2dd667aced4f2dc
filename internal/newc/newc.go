// Package newc builds cpio "newc" archives: the format the Linux kernel
// unpacks an initramfs image from. Entries are collected into an Archive,
// which drops duplicate names as entries are added, and serialized in one
// pass, with inode numbers assigned at write time.
package newc

import (
	"fmt"
	"io"
	"time"

	"github.com/cavaliercoder/go-cpio"
)

// inoOffset keeps archive inodes clear of any reserved low numbers.
const inoOffset = 1337

// trailerName is cpio's end-of-archive sentinel.
const trailerName = "TRAILER!!!"

// Kind discriminates what an Entry represents, since the rdev/data rules
// differ per kind.
type Kind int

const (
	File Kind = iota
	Dir
	Symlink
)

// Entry is one file, directory, or symlink destined for the archive. Name
// must not have a leading "/". For a Symlink, Data holds the link target
// text.
type Entry struct {
	Name      string
	Kind      Kind
	Mode      uint32
	Mtime     time.Time
	RdevMajor uint32
	RdevMinor uint32
	Data      []byte
}

// Archive is an ordered, to-be-written set of entries.
type Archive struct {
	entries []Entry
	names   map[string]struct{}
}

// NewArchive returns an empty Archive.
func NewArchive() *Archive {
	return &Archive{names: make(map[string]struct{})}
}

// Add appends e, normalizing its name (stripping a leading "/") and
// dropping it if an entry with the same name was already added.
func (a *Archive) Add(e Entry) {
	name := normalizeName(e.Name)
	if _, dup := a.names[name]; dup {
		return
	}
	a.names[name] = struct{}{}
	e.Name = name
	a.entries = append(a.entries, e)
}

func normalizeName(name string) string {
	for len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}

// Major extracts the major device number from a Linux dev_t the way
// glibc's makedev/major macros do.
func Major(dev uint64) uint32 {
	return uint32(((dev >> 32) & 0xfffff000) | ((dev >> 8) & 0xfff))
}

// Minor extracts the minor device number from a Linux dev_t.
func Minor(dev uint64) uint32 {
	return uint32(((dev >> 12) & 0xffffff00) | (dev & 0xff))
}

// WriteTo serializes the archive to w: every entry in insertion order,
// each assigned inode inoOffset+index, followed by a single trailer entry.
// Header encoding is delegated to cavaliercoder/go-cpio, which already
// implements the exact newc byte layout.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	cn := &countingWriter{w: w}
	cw := cpio.NewWriter(cn)
	for i, e := range a.entries {
		hdr := &cpio.Header{
			Name:      e.Name,
			Mode:      cpio.FileMode(e.Mode) | kindModeBits(e.Kind),
			ModTime:   e.Mtime,
			Size:      int64(len(e.Data)),
			Devmajor:  0,
			Devminor:  0,
			Rdevmajor: int64(e.RdevMajor),
			Rdevminor: int64(e.RdevMinor),
			Ino:       int64(inoOffset + i),
		}
		if err := cw.WriteHeader(hdr); err != nil {
			return 0, fmt.Errorf("writing header for %s: %w", e.Name, err)
		}
		if len(e.Data) > 0 {
			if _, err := cw.Write(e.Data); err != nil {
				return 0, fmt.Errorf("writing data for %s: %w", e.Name, err)
			}
		}
	}
	if err := cw.WriteHeader(&cpio.Header{Name: trailerName, Ino: int64(inoOffset + len(a.entries))}); err != nil {
		return 0, fmt.Errorf("writing trailer: %w", err)
	}
	if err := cw.Close(); err != nil {
		return 0, fmt.Errorf("closing archive: %w", err)
	}
	return cn.n, nil
}

// countingWriter tracks total bytes written, since go-cpio's Writer does
// not report a final length itself.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func kindModeBits(k Kind) cpio.FileMode {
	switch k {
	case Dir:
		return cpio.ModeDir
	case Symlink:
		return cpio.ModeSymlink
	default:
		return 0
	}
}
