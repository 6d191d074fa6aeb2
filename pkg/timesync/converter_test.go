package timesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConverter_FromMonotonic(t *testing.T) {
	anchor := time.Now()
	c := NewConverterAt(anchor, 100*time.Second, "")

	tests := []struct {
		name string
		usec uint64
		want time.Duration
	}{
		{"at anchor", 100_000_000, 0},
		{"50ms later", 100_050_000, 50 * time.Millisecond},
		{"one second earlier", 99_000_000, -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.FromMonotonic(tt.usec)
			// Sub between two values derived from the same time.Now() uses the
			// monotonic reading.
			if d := got.Sub(anchor); d != tt.want {
				t.Errorf("FromMonotonic(%d) - anchor = %v, want %v", tt.usec, d, tt.want)
			}
		})
	}
}

func TestConverter_KeepsMonotonicReading(t *testing.T) {
	c := NewConverterAt(time.Now(), time.Second, "")
	got := c.FromMonotonic(2_000_000)
	// Round(0) strips the monotonic reading; a value that has one prints "m=".
	if got.String() == got.Round(0).String() {
		t.Error("converted time lost its monotonic clock reading")
	}
}

func TestFromRealtime(t *testing.T) {
	got := FromRealtime(1_700_000_000_123_456)
	want := time.Unix(1_700_000_000, 123_456_000)
	if !got.Equal(want) {
		t.Errorf("FromRealtime = %v, want %v", got, want)
	}
}

func TestSameBoot(t *testing.T) {
	c := NewConverterAt(time.Now(), 0, "3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	if !c.SameBoot("3f2504e04f8911d39a0c0305e82c3301") {
		t.Error("expected journald-format boot id to match")
	}
	if c.SameBoot("00000000000000000000000000000000") {
		t.Error("different boot id should not match")
	}

	empty := NewConverterAt(time.Now(), 0, "")
	if empty.SameBoot("") {
		t.Error("unknown boot id should never match")
	}
}

func TestReadBootID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot_id")
	if err := os.WriteFile(path, []byte("3f2504e0-4f89-11d3-9a0c-0305e82c3301\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readBootID(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "3f2504e04f8911d39a0c0305e82c3301" {
		t.Errorf("readBootID = %q", got)
	}

	if _, err := readBootID(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewConverter(t *testing.T) {
	c, err := NewConverter()
	if err != nil {
		t.Skipf("monotonic clock unavailable: %v", err)
	}
	now := time.Now()
	if d := now.Sub(c.anchor); d < 0 || d > time.Minute {
		t.Errorf("anchor is %v away from now", d)
	}
}
