package procinfo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/micmon/pkg/core"
)

type fakeSource struct {
	paths  map[int]string
	byName map[string]int
	calls  int
}

func (f *fakeSource) ImagePath(pid int) (string, error) {
	f.calls++
	p, ok := f.paths[pid]
	if !ok {
		return "", core.ErrNotFound
	}
	return p, nil
}

func (f *fakeSource) FindByName(name string) (int, string, error) {
	pid, ok := f.byName[name]
	if !ok {
		return 0, "", core.ErrNotFound
	}
	return pid, f.paths[pid], nil
}

type fakeUnits map[int]string

func (f fakeUnits) Unit(_ context.Context, pid int) (string, error) {
	u, ok := f[pid]
	if !ok {
		return "", errors.New("no unit")
	}
	return u, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNameFromPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/usr/bin/arecord", "arecord"},
		{"/Applications/Zoom.app", "Zoom"},
		{"/Applications/Zoom.app/", "Zoom"},
		{"/opt/tools/Helper.XPC", "Helper"},
		{"C:/Program Files/app/Teams.exe", "Teams"},
		{"/usr/lib/firefox/firefox-bin", "firefox-bin"},
		{"/usr/bin/.app", ".app"},
		{"Zoom.app", "Zoom.app"},
		{"zoom", "zoom"},
		{"", ""},
		{"/", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NameFromPath(tt.in))
		})
	}
}

func TestResolvePath_Caches(t *testing.T) {
	src := &fakeSource{paths: map[int]string{501: "/opt/zoom/zoom"}}
	r := New(src, Options{CacheSize: 4, CacheTTL: time.Minute}, testLogger())

	path, err := r.ResolvePath(501)
	require.NoError(t, err)
	assert.Equal(t, "/opt/zoom/zoom", path)

	_, err = r.ResolvePath(501)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second lookup should hit the cache")
}

func TestResolvePath_NotFound(t *testing.T) {
	r := New(&fakeSource{paths: map[int]string{}}, Options{}, testLogger())

	_, err := r.ResolvePath(42)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = r.ResolvePath(0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestResolvePath_EmptyPathIsNotFound(t *testing.T) {
	r := New(&fakeSource{paths: map[int]string{9: ""}}, Options{}, testLogger())
	_, err := r.ResolvePath(9)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLookupName(t *testing.T) {
	src := &fakeSource{
		paths:  map[int]string{777: "/usr/bin/obs"},
		byName: map[string]int{"obs": 777},
	}
	r := New(src, Options{}, testLogger())

	pid, path, err := r.LookupName(" obs ")
	require.NoError(t, err)
	assert.Equal(t, 777, pid)
	assert.Equal(t, "/usr/bin/obs", path)

	// The path learned by name lookup is cached for the pid.
	_, err = r.ResolvePath(777)
	require.NoError(t, err)
	assert.Zero(t, src.calls)

	_, _, err = r.LookupName("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = r.LookupName("")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUnit(t *testing.T) {
	r := New(&fakeSource{}, Options{Units: fakeUnits{501: "app-zoom.scope"}}, testLogger())
	assert.Equal(t, "app-zoom.scope", r.Unit(context.Background(), 501))
	assert.Empty(t, r.Unit(context.Background(), 502))

	plain := New(&fakeSource{}, Options{}, testLogger())
	assert.Empty(t, plain.Unit(context.Background(), 501))
}

func TestGopsutilSource_Self(t *testing.T) {
	path, err := GopsutilSource{}.ImagePath(os.Getpid())
	if err != nil {
		t.Skipf("process metadata not available: %v", err)
	}
	assert.NotEmpty(t, path)
}

func TestGopsutilSource_Missing(t *testing.T) {
	_, err := GopsutilSource{}.ImagePath(1 << 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBetterMatch(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		created     int64
		bestPath    string
		bestCreated int64
		want        bool
	}{
		{"newer with path", "/usr/bin/obs", 200, "/usr/bin/obs", 100, true},
		{"older with path", "/usr/bin/obs", 100, "/usr/bin/obs", 200, false},
		{"unreadable exe never beats readable", "", 300, "/usr/bin/obs", 100, false},
		{"readable exe beats unreadable", "/usr/bin/obs", 100, "", 300, true},
		{"both unreadable, newer wins", "", 300, "", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, betterMatch(tt.path, tt.created, tt.bestPath, tt.bestCreated))
		})
	}
}
