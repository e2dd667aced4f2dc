package newc

import (
	"bytes"
	"testing"
)

func TestWriteToSingleFile(t *testing.T) {
	a := NewArchive()
	a.Add(Entry{Name: "/init", Kind: File, Mode: 0755, Data: []byte("hi")})

	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, buffer has %d", n, buf.Len())
	}
	if buf.Len()%4 != 0 {
		t.Errorf("archive length %d is not a multiple of 4", buf.Len())
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("070701")) {
		t.Errorf("archive does not start with the newc magic")
	}
	wantIno := []byte("00000539") // 1337 in hex
	if !bytes.Contains(buf.Bytes()[:200], wantIno) {
		t.Errorf("expected first entry ino %s near archive start", wantIno)
	}
}

func TestAddDedupesByName(t *testing.T) {
	a := NewArchive()
	a.Add(Entry{Name: "/etc/ld.so.conf", Kind: File})
	a.Add(Entry{Name: "etc/ld.so.conf", Kind: File, Data: []byte("ignored")})
	if len(a.entries) != 1 {
		t.Fatalf("got %d entries, want 1 (duplicate should be dropped)", len(a.entries))
	}
	if a.entries[0].Name != "etc/ld.so.conf" {
		t.Errorf("stored name = %q, want normalized without leading slash", a.entries[0].Name)
	}
}

func TestMajorMinor(t *testing.T) {
	// /dev/sda1 is typically major 8, minor 1 -> dev_t 0x0801
	dev := uint64(0x0801)
	if got := Major(dev); got != 8 {
		t.Errorf("Major(0x0801) = %d, want 8", got)
	}
	if got := Minor(dev); got != 1 {
		t.Errorf("Minor(0x0801) = %d, want 1", got)
	}
}
