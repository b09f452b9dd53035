package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRowFilter(t *testing.T) {
	f, ok, err := ParseRowFilter("status=eq.active")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Filter{Column: "status", Op: OpEq, Value: "active"}, f)

	f, ok, err = ParseRowFilter("id=in.(1,2, 3)")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"1", "2", "3"}, f.Value)

	f, ok, err = ParseRowFilter("archived_at=is.null")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, f.Value)

	_, ok, err = ParseRowFilter("")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseRowFilter("status")
	assert.Error(t, err)

	_, _, err = ParseRowFilter("status=between.1")
	assert.Error(t, err)
}

func TestFilter_Matches(t *testing.T) {
	row := Row{"id": int64(7), "name": "Lion's Mane", "status": "active", "archived_at": nil}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq("status", "active"), true},
		{"eq numeric parsed", Filter{Column: "id", Op: OpEq, Value: "7"}, true},
		{"neq", Filter{Column: "status", Op: OpNeq, Value: "active"}, false},
		{"gt", Filter{Column: "id", Op: OpGt, Value: 5}, true},
		{"lte", Filter{Column: "id", Op: OpLte, Value: 6}, false},
		{"in", Filter{Column: "id", Op: OpIn, Value: []interface{}{"1", "7"}}, true},
		{"is null", Filter{Column: "archived_at", Op: OpIs, Value: nil}, true},
		{"like", Filter{Column: "name", Op: OpLike, Value: "Lion%"}, true},
		{"ilike", Filter{Column: "name", Op: OpILike, Value: "%MANE"}, true},
		{"like underscore", Filter{Column: "status", Op: OpLike, Value: "activ_"}, true},
		{"missing column", Eq("vendor", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(row))
		})
	}
}

func TestFilter_StringRoundTrip(t *testing.T) {
	for _, s := range []string{"status=eq.active", "id=in.(1,2)", "archived_at=is.null"} {
		f, ok, err := ParseRowFilter(s)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s, f.String())
	}
}

func TestEventType_Matches(t *testing.T) {
	assert.True(t, EventAll.Matches(EventInsert))
	assert.True(t, EventUpdate.Matches(EventUpdate))
	assert.False(t, EventDelete.Matches(EventUpdate))
}

func TestManualSignals(t *testing.T) {
	s := NewManualSignals()
	var got []Signal
	stop := s.Listen(func(sig Signal) { got = append(got, sig) })

	s.Emit(SignalOffline)
	s.Emit(SignalOnline)
	stop()
	s.Emit(SignalHidden)

	assert.Equal(t, []Signal{SignalOffline, SignalOnline}, got)
}

func TestSpecMatcher(t *testing.T) {
	match, err := SpecMatcher(ChannelSpec{Schema: "public", Table: "grows", Filter: "stage=eq.fruiting"})
	require.NoError(t, err)

	assert.True(t, match(ChangeEvent{Table: "grows", Schema: "public", New: Row{"stage": "fruiting"}}))
	assert.True(t, match(ChangeEvent{Table: "grows", Old: Row{"stage": "fruiting"}}))
	assert.False(t, match(ChangeEvent{Table: "grows", New: Row{"stage": "spawn"}}))
	assert.False(t, match(ChangeEvent{Table: "cultures", New: Row{"stage": "fruiting"}}))
	assert.False(t, match(ChangeEvent{Table: "grows", Schema: "audit", New: Row{"stage": "fruiting"}}))

	_, err = SpecMatcher(ChannelSpec{Table: "grows", Filter: "stage"})
	assert.Error(t, err)
}
