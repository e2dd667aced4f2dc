package blkid

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeDevice implements io.ReadSeeker over an in-memory buffer, standing in
// for a block device during tests.
type fakeDevice struct {
	*bytes.Reader
}

func newFakeDevice(b []byte) *fakeDevice {
	return &fakeDevice{bytes.NewReader(b)}
}

func buildLUKSHeader(uuid string) []byte {
	var hdr luksHeader
	copy(hdr.Magic[:], luksMagic)
	hdr.Version = 1
	copy(hdr.UUID[:], uuid)
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestProbeLUKS(t *testing.T) {
	want := "0d7b09a9-8928-4451-8037-21f7a329fed8"
	dev := newFakeDevice(buildLUKSHeader(want))
	info, err := Probe(dev)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != LUKS || info.UUID != want {
		t.Errorf("Probe() = %+v, want {Type:LUKS UUID:%s}", info, want)
	}
}

func buildExt4Superblock(uuid [16]byte) []byte {
	buf := make([]byte, ext2SuperblockOffset+1024)
	var sb ext2SuperBlock
	sb.Magic = ext2Magic
	sb.UUID = uuid
	w := &bytes.Buffer{}
	if err := binary.Write(w, binary.LittleEndian, &sb); err != nil {
		panic(err)
	}
	copy(buf[ext2SuperblockOffset:], w.Bytes())
	return buf
}

func TestProbeExt4(t *testing.T) {
	uuid := [16]byte{0x1f, 0xa0, 0x4d, 0xe7, 0x30, 0xa9, 0x41, 0x83, 0x93, 0xe9, 0x1b, 0x00, 0x61, 0x56, 0x71, 0x21}
	dev := newFakeDevice(buildExt4Superblock(uuid))
	info, err := Probe(dev)
	if err != nil {
		t.Fatal(err)
	}
	want := "1fa04de7-30a9-4183-93e9-1b0061567121"
	if info.Type != Ext4 || info.UUID != want {
		t.Errorf("Probe() = %+v, want {Type:Ext4 UUID:%s}", info, want)
	}
}

func TestProbeLVM(t *testing.T) {
	buf := make([]byte, 512*4)
	copy(buf[512:], lvmLabel)
	dev := newFakeDevice(buf)
	info, err := Probe(dev)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != LVM {
		t.Errorf("Probe() = %+v, want {Type:LVM}", info)
	}
}

func TestProbeUnknown(t *testing.T) {
	dev := newFakeDevice(make([]byte, 4096))
	info, err := Probe(dev)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != Unknown {
		t.Errorf("Probe() = %+v, want {Type:Unknown}", info)
	}
}
