package deviceevent

import "testing"

func TestSkipDeviceMapper(t *testing.T) {
	cases := []struct {
		cookie string
		want   bool
	}{
		{"", false},
		{"0", false},
		{"not-a-number", false},
		{"0x40004", true},
		{"0x10000", false},
	}
	for _, c := range cases {
		if got := skipDeviceMapper(c.cookie); got != c.want {
			t.Errorf("skipDeviceMapper(%q) = %v, want %v", c.cookie, got, c.want)
		}
	}
}

func TestResolvePathNonDM(t *testing.T) {
	s := &Source{sysDir: "/sys"}
	got, err := s.resolvePath("/devices/virtual/block/sda1", "sda1", false)
	if err != nil {
		t.Fatal(err)
	}
	if want := "/dev/sda1"; got != want {
		t.Errorf("resolvePath() = %q, want %q", got, want)
	}
}
