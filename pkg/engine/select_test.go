package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/micmon/pkg/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(process string, offset time.Duration, seq uint64) core.LogRecord {
	return core.LogRecord{Process: process, Level: core.LevelInfo, Timestamp: t0.Add(offset), Seq: seq}
}

func TestSelect(t *testing.T) {
	q := Query{Since: t0, Skew: 500 * time.Millisecond, Window: 2 * time.Second}

	tests := []struct {
		name    string
		records []core.LogRecord
		query   Query
		want    uint64 // Seq of the winner, 0 for none
	}{
		{name: "empty", query: q},
		{
			name:    "nearest wins",
			records: []core.LogRecord{rec("a", 300*time.Millisecond, 1), rec("b", -100*time.Millisecond, 2), rec("c", time.Second, 3)},
			query:   q,
			want:    2,
		},
		{
			name:    "tie goes to latest seq",
			records: []core.LogRecord{rec("a", 100*time.Millisecond, 1), rec("b", -100*time.Millisecond, 2)},
			query:   q,
			want:    2,
		},
		{
			name:    "tie order independent",
			records: []core.LogRecord{rec("b", -100*time.Millisecond, 7), rec("a", 100*time.Millisecond, 3)},
			query:   q,
			want:    7,
		},
		{
			name:    "too late",
			records: []core.LogRecord{rec("a", 2100*time.Millisecond, 1)},
			query:   q,
		},
		{
			name:    "too early",
			records: []core.LogRecord{rec("a", -600*time.Millisecond, 1)},
			query:   q,
		},
		{
			name:    "window edges included",
			records: []core.LogRecord{rec("a", -500*time.Millisecond, 1), rec("b", 2*time.Second, 2)},
			query:   q,
			want:    1,
		},
		{
			name:    "before previous deactivation",
			records: []core.LogRecord{rec("a", -300*time.Millisecond, 1)},
			query:   Query{Since: t0, Skew: 500 * time.Millisecond, Window: 2 * time.Second, After: t0.Add(-200 * time.Millisecond)},
		},
		{
			name:    "at previous deactivation",
			records: []core.LogRecord{rec("a", -200*time.Millisecond, 1)},
			query:   Query{Since: t0, Skew: 500 * time.Millisecond, Window: 2 * time.Second, After: t0.Add(-200 * time.Millisecond)},
		},
		{
			name:    "anonymous record",
			records: []core.LogRecord{rec("", 10*time.Millisecond, 1)},
			query:   q,
		},
		{
			name:    "sender only",
			records: []core.LogRecord{{Sender: "pipewire", Timestamp: t0, Seq: 4}},
			query:   q,
			want:    4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(Signature{})
			require.NoError(t, err)
			c, ok := Select(tt.records, m, tt.query)
			if tt.want == 0 {
				assert.False(t, ok, "got candidate %+v", c)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, c.Record.Seq)
		})
	}
}

func TestMatcher(t *testing.T) {
	m, err := Compile(Signature{
		Subsystem:      "pipewire.service",
		Category:       "client_register",
		MessagePattern: `new client (?P<name>\S+)\[(?P<pid>\d+)\]`,
	})
	require.NoError(t, err)

	good := core.LogRecord{
		Subsystem: "pipewire.service",
		Category:  "client_register",
		Message:   "new client Discord[4242] on node 51",
	}
	assert.True(t, m.Match(good))

	pid, name := m.groups(good.Message)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, "Discord", name)

	other := good
	other.Subsystem = "wireplumber.service"
	assert.False(t, m.Match(other))

	other = good
	other.Category = "node_link"
	assert.False(t, m.Match(other))

	other = good
	other.Message = "client gone"
	assert.False(t, m.Match(other))

	_, err = Compile(Signature{MessagePattern: "("})
	assert.Error(t, err)
}

func TestMatcher_EmptyMatchesAll(t *testing.T) {
	m, err := Compile(Signature{})
	require.NoError(t, err)
	assert.True(t, m.Match(core.LogRecord{Subsystem: "x", Category: "y", Message: "z"}))

	pid, name := m.groups("anything")
	assert.Zero(t, pid)
	assert.Empty(t, name)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.records())

	for i := uint64(1); i <= 5; i++ {
		r.push(core.LogRecord{Seq: i})
	}
	got := r.records()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, 3, r.len())

	r.reset()
	assert.Zero(t, r.len())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateArmed, "armed"},
		{StateActive, "active"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}

	var s State
	require.NoError(t, s.UnmarshalText([]byte("active")))
	assert.Equal(t, StateActive, s)
	assert.Error(t, s.UnmarshalText([]byte("busy")))
}
