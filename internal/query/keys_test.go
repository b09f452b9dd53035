package query

import (
	"regexp"
	"testing"

	"github.com/mycolab/labdb/internal/transport"
	"github.com/stretchr/testify/assert"
)

func TestGenerateSelectKey_Deterministic(t *testing.T) {
	a := map[string]interface{}{"select": "id,name", "order": "name", "limit": 10}
	b := map[string]interface{}{"limit": 10, "order": "name", "select": "id,name"}

	assert.Equal(t, GenerateSelectKey("cultures", a), GenerateSelectKey("cultures", b))
	assert.NotEqual(t, GenerateSelectKey("cultures", a),
		GenerateSelectKey("cultures", map[string]interface{}{"select": "id", "order": "name", "limit": 10}))
	assert.NotEqual(t, GenerateSelectKey("cultures", a), GenerateSelectKey("grows", a))
	assert.Equal(t, "select:cultures", GenerateSelectKey("cultures", nil))
}

func TestGenerateSelectKey_NestedMaps(t *testing.T) {
	a := map[string]interface{}{"filter": map[string]interface{}{"b": 1, "a": 2}}
	b := map[string]interface{}{"filter": map[string]interface{}{"a": 2, "b": 1}}
	assert.Equal(t, GenerateSelectKey("grows", a), GenerateSelectKey("grows", b))
}

func TestSelectKey(t *testing.T) {
	q := transport.SelectQuery{
		Table:   "grows",
		Columns: "id,stage",
		Filters: []transport.Filter{transport.Eq("stage", "fruiting")},
		Order:   []transport.Order{{Column: "created_at"}},
		Limit:   5,
	}
	assert.Equal(t,
		`select:grows:{"filters":["stage=eq.fruiting"],"limit":5,"order":["created_at.desc"],"select":"id,stage"}`,
		SelectKey(q))
	assert.Equal(t, "select:grows", SelectKey(transport.SelectQuery{Table: "grows", Columns: "*"}))
}

func TestTablePattern(t *testing.T) {
	re := regexp.MustCompile(TablePattern("grows"))
	assert.True(t, re.MatchString("select:grows"))
	assert.True(t, re.MatchString(`select:grows:{"limit":5}`))
	assert.False(t, re.MatchString("select:grows_archive"))
	assert.False(t, re.MatchString("select:cultures"))
}
