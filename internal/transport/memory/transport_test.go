package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mycolab/labdb/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_SelectFilterOrderLimit(t *testing.T) {
	tr := NewTransport()
	tr.Seed("strains",
		transport.Row{"name": "Blue Oyster", "species": "oyster"},
		transport.Row{"name": "Pink Oyster", "species": "oyster"},
		transport.Row{"name": "Reishi", "species": "ganoderma"},
	)

	rows, err := tr.Select(context.Background(), transport.SelectQuery{
		Table:   "strains",
		Columns: "name",
		Filters: []transport.Filter{transport.Eq("species", "oyster")},
		Order:   []transport.Order{{Column: "name", Ascending: false}},
		Limit:   1,
	})

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, transport.Row{"name": "Pink Oyster"}, rows[0])
	assert.Equal(t, 1, tr.CallCount("select", "strains"))
}

func TestTransport_SelectMissingTable(t *testing.T) {
	tr := NewTransport()
	_, err := tr.Select(context.Background(), transport.SelectQuery{Table: "_health_check"})
	assert.Error(t, err)
}

func TestTransport_WritesPublishToFeed(t *testing.T) {
	feed := NewFeed()
	tr := NewTransport(WithFeed(feed))

	var mu sync.Mutex
	var events []transport.ChangeEvent
	ch, err := feed.Open(context.Background(), transport.ChannelSpec{Table: "grows"}, transport.ChannelHandlers{
		OnEvent: func(ev transport.ChangeEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ch.Close()

	ctx := context.Background()
	inserted, err := tr.Insert(ctx, "grows", []transport.Row{{"stage": "colonizing"}}, transport.WriteOptions{})
	require.NoError(t, err)
	id := inserted[0]["id"]

	_, err = tr.Update(ctx, "grows", transport.Row{"stage": "fruiting"}, []transport.Filter{transport.Eq("id", id)})
	require.NoError(t, err)
	_, err = tr.Delete(ctx, "grows", []transport.Filter{transport.Eq("id", id)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, transport.EventInsert, events[0].Type)
	assert.Equal(t, "fruiting", events[1].New["stage"])
	assert.Equal(t, "colonizing", events[1].Old["stage"])
	assert.Equal(t, transport.EventDelete, events[2].Type)
	assert.Empty(t, tr.Rows("grows"))
}

func TestTransport_UpsertOnConflict(t *testing.T) {
	tr := NewTransport()
	tr.Seed("locations", transport.Row{"id": int64(1), "name": "Shelf A"})

	out, err := tr.Upsert(context.Background(), "locations", []transport.Row{
		{"id": int64(1), "name": "Shelf A1"},
		{"id": int64(2), "name": "Shelf B"},
	}, transport.WriteOptions{OnConflict: []string{"id"}})

	require.NoError(t, err)
	assert.Len(t, out, 2)
	rows := tr.Rows("locations")
	require.Len(t, rows, 2)
	assert.Equal(t, "Shelf A1", rows[0]["name"])
}

func TestTransport_HookAndLatency(t *testing.T) {
	tr := NewTransport(WithLatency(50 * time.Millisecond))
	tr.SetHook(func(ctx context.Context, op, table string) error {
		if op == "insert" {
			return errors.New("connection refused")
		}
		return nil
	})

	_, err := tr.Insert(context.Background(), "cultures", []transport.Row{{"name": "LC-1"}}, transport.WriteOptions{})
	assert.EqualError(t, err, "connection refused")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = tr.Select(ctx, transport.SelectQuery{Table: "cultures"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFeed_RowFilterAndFail(t *testing.T) {
	feed := NewFeed()
	var got []transport.ChangeEvent
	statuses := make(chan transport.ChannelStatus, 4)

	_, err := feed.Open(context.Background(),
		transport.ChannelSpec{Table: "cultures", Filter: "status=eq.active"},
		transport.ChannelHandlers{
			OnEvent:  func(ev transport.ChangeEvent) { got = append(got, ev) },
			OnStatus: func(s transport.ChannelStatus, _ error) { statuses <- s },
		})
	require.NoError(t, err)
	assert.Equal(t, transport.ChannelSubscribed, <-statuses)

	feed.Emit(transport.ChangeEvent{Type: transport.EventInsert, Table: "cultures", New: transport.Row{"status": "active"}})
	feed.Emit(transport.ChangeEvent{Type: transport.EventInsert, Table: "cultures", New: transport.Row{"status": "contaminated"}})
	feed.Emit(transport.ChangeEvent{Type: transport.EventInsert, Table: "grows", New: transport.Row{"status": "active"}})
	assert.Len(t, got, 1)

	feed.Fail("cultures", transport.ChannelError, errors.New("socket closed"))
	assert.Equal(t, transport.ChannelError, <-statuses)

	feed.FailOpens(errors.New("unavailable"))
	_, err = feed.Open(context.Background(), transport.ChannelSpec{Table: "grows"}, transport.ChannelHandlers{})
	assert.Error(t, err)
	assert.Equal(t, 2, feed.OpenCount())
}
