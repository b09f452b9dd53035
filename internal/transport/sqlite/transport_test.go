package sqlite

import (
	"context"
	"testing"

	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	require.NoError(t, tr.Exec(context.Background(), `CREATE TABLE cultures (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT
	)`))
	return tr
}

func TestTransport_CRUD(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	inserted, err := tr.Insert(ctx, "cultures", []transport.Row{
		{"id": 1, "name": "Golden Oyster LC", "status": "active"},
		{"id": 2, "name": "Shiitake agar", "status": "active"},
		{"id": 3, "name": "Old reishi", "status": "archived"},
	}, transport.WriteOptions{})
	require.NoError(t, err)
	assert.Len(t, inserted, 3)

	rows, err := tr.Select(ctx, transport.SelectQuery{
		Table:   "cultures",
		Columns: "id,name",
		Filters: []transport.Filter{transport.Eq("status", "active")},
		Order:   []transport.Order{{Column: "name", Ascending: false}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Shiitake agar", rows[0]["name"])
	assert.Equal(t, int64(2), rows[0]["id"])

	updated, err := tr.Update(ctx, "cultures", transport.Row{"status": "contaminated"},
		[]transport.Filter{transport.Eq("id", 2)})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "contaminated", updated[0]["status"])

	deleted, err := tr.Delete(ctx, "cultures", []transport.Filter{{Column: "status", Op: transport.OpEq, Value: "archived"}})
	require.NoError(t, err)
	assert.Len(t, deleted, 1)

	rows, err = tr.Select(ctx, transport.SelectQuery{Table: "cultures"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTransport_Upsert(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	_, err := tr.Insert(ctx, "cultures", []transport.Row{{"id": 1, "name": "A", "status": "active"}}, transport.WriteOptions{})
	require.NoError(t, err)

	_, err = tr.Upsert(ctx, "cultures", []transport.Row{
		{"id": 1, "name": "A2", "status": "active"},
		{"id": 2, "name": "B", "status": "active"},
	}, transport.WriteOptions{OnConflict: []string{"id"}})
	require.NoError(t, err)

	rows, err := tr.Select(ctx, transport.SelectQuery{
		Table: "cultures",
		Order: []transport.Order{{Column: "id", Ascending: true}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A2", rows[0]["name"])
}

func TestTransport_MissingTableIsNotFound(t *testing.T) {
	tr := newTestTransport(t)
	_, err := tr.Select(context.Background(), transport.SelectQuery{Table: "_health_check", Limit: 1})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundResource(err))
}
