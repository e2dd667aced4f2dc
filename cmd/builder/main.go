// Command builder packs a kernel's module tree, the boot agent, and a
// handful of required userspace binaries (plus their ELF dependency
// closure) into a newc-format cpio initramfs image.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/orcaman/writerseeker"

	"github.com/danyspin97/initrz/internal/config"
	"github.com/danyspin97/initrz/internal/elfclosure"
	"github.com/danyspin97/initrz/internal/kmod"
	"github.com/danyspin97/initrz/internal/newc"
	"github.com/danyspin97/initrz/internal/selector"
)

// requiredBinaries are copied into the image verbatim (plus their ELF
// closure), at the given destination path under the archive root.
var requiredBinaries = map[string]string{
	"/sbin/vgchange":   "sbin/vgchange",
	"/sbin/vgmknodes":  "sbin/vgmknodes",
	"/bin/busybox":     "bin/busybox",
	"/sbin/cryptsetup": "sbin/cryptsetup",
}

// skeletonDirs is the fixed directory layout every image carries.
var skeletonDirs = []string{
	"dev", "etc", "new_root", "proc", "run", "sys", "usr", "usr/bin", "usr/lib",
}

// skeletonSymlinks maps a symlink's archive path to its target text.
var skeletonSymlinks = map[string]string{
	"bin":       "usr/bin",
	"lib":       "usr/lib",
	"lib64":     "lib",
	"sbin":      "usr/sbin",
	"usr/lib64": "lib",
	"usr/sbin":  "bin",
}

type verboseCount int

func (v *verboseCount) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verboseCount) Set(string) error {
	*v++
	return nil
}
func (v *verboseCount) IsBoolFlag() bool { return true }

func main() {
	log.SetPrefix("builder: ")
	log.SetFlags(0)

	var (
		configPath = flag.String("c", "/etc/initrz/mkinitrz.conf", "path to the YAML configuration file")
		hostOnly   = flag.Bool("host-only", false, "only include modules currently loaded on this host")
		kver       = flag.String("k", "", "kernel version to build an image for (required)")
		output     = flag.String("o", "", "output path (default initramfs-<kver>.img)")
		quiet      = flag.Bool("q", false, "suppress informational messages")
		compress   = flag.String("compression", "none", "compression for the image: none|zstd")
		modRoot    = flag.String("kernel-modules-path", "/lib/modules", "root directory containing <kver>/ module trees")
	)
	var verbose verboseCount
	flag.Var(&verbose, "v", "increase verbosity (may be repeated)")
	flag.Parse()

	if *kver == "" {
		fmt.Fprintln(os.Stderr, "builder: -k KVER is required")
		os.Exit(2)
	}
	if *quiet {
		log.SetOutput(io.Discard)
	}
	if *output == "" {
		*output = fmt.Sprintf("initramfs-%s.img", *kver)
	}

	if err := build(buildOptions{
		configPath: *configPath,
		hostOnly:   *hostOnly,
		kver:       *kver,
		output:     *output,
		compress:   *compress,
		modRoot:    *modRoot,
	}); err != nil {
		log.Fatalf("%v", err)
	}
}

type buildOptions struct {
	configPath string
	hostOnly   bool
	kver       string
	output     string
	compress   string
	modRoot    string
}

func build(opts buildOptions) error {
	start := time.Now()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kernelRoot := filepath.Join(opts.modRoot, opts.kver)
	idx, err := kmod.NewIndex(
		filepath.Join(kernelRoot, "modules.dep"),
		filepath.Join(kernelRoot, "modules.alias"),
	)
	if err != nil {
		return fmt.Errorf("parsing module index: %w", err)
	}

	profile := selector.General
	if opts.hostOnly {
		profile = selector.Host
	}
	modulePaths, err := selector.Select(selector.FromIndex(idx), profile, cfg.Modules, kernelRoot)
	if err != nil {
		return fmt.Errorf("selecting modules: %w", err)
	}

	archive := newc.NewArchive()
	addSkeleton(archive)

	if err := addTree(archive, kernelRoot, "lib/modules/"+opts.kver, modulePaths); err != nil {
		return err
	}

	if err := addFile(archive, initAgentPath(), "init"); err != nil {
		return fmt.Errorf("adding boot agent: %w", err)
	}

	for src, dst := range requiredBinaries {
		if err := addBinaryWithClosure(archive, src, dst); err != nil {
			return fmt.Errorf("adding %s: %w", src, err)
		}
	}

	if err := addFileBestEffort(archive, "/etc/ld.so.conf", "etc/ld.so.conf"); err != nil {
		return err
	}

	ws := &writerseeker.WriterSeeker{}
	if _, err := archive.WriteTo(ws); err != nil {
		return fmt.Errorf("serializing archive: %w", err)
	}

	out, err := renameio.TempFile("", opts.output)
	if err != nil {
		return fmt.Errorf("creating temp output: %w", err)
	}
	defer out.Cleanup()

	r := ws.Reader()
	if err := writeCompressed(out, r, opts.compress); err != nil {
		return err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("committing %s: %w", opts.output, err)
	}

	log.Printf("wrote %s in %v", opts.output, time.Since(start))
	return nil
}

func writeCompressed(dst io.Writer, src io.Reader, compression string) error {
	switch compression {
	case "", "none":
		_, err := io.Copy(dst, src)
		return err
	case "zstd":
		zw, err := zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, src); err != nil {
			return err
		}
		return zw.Close()
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}
}

// initAgentPath resolves the boot-agent binary to embed, honoring the
// INITRZ environment variable before falling back to a release-build path
// and then a system-installed one.
func initAgentPath() string {
	if p := os.Getenv("INITRZ"); p != "" {
		return p
	}
	if _, err := os.Stat("target/release/initrz"); err == nil {
		return "target/release/initrz"
	}
	return "/sbin/initrz"
}

func addSkeleton(a *newc.Archive) {
	for _, dir := range skeletonDirs {
		a.Add(newc.Entry{Name: dir, Kind: newc.Dir, Mode: 0755})
	}
	for name, target := range skeletonSymlinks {
		a.Add(newc.Entry{Name: name, Kind: newc.Symlink, Mode: 0777, Data: []byte(target)})
	}
}

func addFile(a *newc.Archive, src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	a.Add(newc.Entry{
		Name:  dst,
		Kind:  newc.File,
		Mode:  uint32(st.Mode().Perm()),
		Mtime: st.ModTime(),
		Data:  b,
	})
	return nil
}

func addFileBestEffort(a *newc.Archive, src, dst string) error {
	if err := addFile(a, src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// addBinaryWithClosure copies src into the archive at dst and recursively
// pulls in every shared library it (transitively) depends on, keyed by its
// on-disk path.
func addBinaryWithClosure(a *newc.Archive, src, dst string) error {
	if err := addFile(a, src, dst); err != nil {
		return err
	}
	libs, err := elfclosure.Resolve(src)
	if err != nil && err != elfclosure.ErrNotELF {
		return err
	}
	for _, lib := range libs {
		if err := addFileBestEffort(a, lib, lib[1:]); err != nil {
			return err
		}
	}
	return nil
}

// addTree copies every path in files into the archive under destRoot,
// preserving each file's path relative to srcRoot.
func addTree(a *newc.Archive, srcRoot, destRoot string, files []string) error {
	for _, f := range files {
		rel, err := filepath.Rel(srcRoot, f)
		if err != nil {
			return err
		}
		if err := addFile(a, f, filepath.Join(destRoot, rel)); err != nil {
			if os.IsNotExist(err) {
				log.Printf("skipping missing module %s", f)
				continue
			}
			return err
		}
	}
	for _, name := range []string{"modules.dep", "modules.alias"} {
		if err := addFile(a, filepath.Join(srcRoot, name), filepath.Join(destRoot, name)); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
	}
	return nil
}
