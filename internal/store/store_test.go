package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageBound(t *testing.T) {
	assert.Equal(t, 50, Page{}.Bound())
	assert.Equal(t, 50, Page{Limit: -1}.Bound())
	assert.Equal(t, 25, Page{Limit: 25}.Bound())
	assert.Equal(t, 500, Page{Limit: 500}.Bound())
	assert.Equal(t, 500, Page{Limit: 9999}.Bound())
}

func TestOrgScopeContains(t *testing.T) {
	system := OrgScope{}
	assert.True(t, system.Unrestricted())
	assert.True(t, system.Contains("org_any"))

	scoped := OrgScope{AccessibleOrgIDs: []string{"org_a", "org_b"}}
	assert.False(t, scoped.Unrestricted())
	assert.True(t, scoped.Contains("org_b"))
	assert.False(t, scoped.Contains("org_c"))

	empty := OrgScope{AccessibleOrgIDs: []string{}}
	assert.False(t, empty.Unrestricted())
	assert.False(t, empty.Contains("org_a"))
}

func TestOrgConditionRendersPredicate(t *testing.T) {
	var args []any

	clause := OrgScope{}.orgCondition("org_id", &args)
	assert.Empty(t, clause)
	assert.Empty(t, args)

	args = []any{"existing"}
	clause = OrgScope{AccessibleOrgIDs: []string{"org_a"}}.orgCondition("d.org_id", &args)
	assert.Equal(t, " AND d.org_id = ANY($2)", clause)
	assert.Len(t, args, 2)
	assert.Equal(t, []string{"org_a"}, args[1])
}

func TestMarshalJSONNeverFails(t *testing.T) {
	assert.Equal(t, []byte("null"), marshalJSON(nil))
	assert.JSONEq(t, `{"a":1}`, string(marshalJSON(map[string]int{"a": 1})))
	assert.Equal(t, []byte("null"), marshalJSON(make(chan int)))
}

func TestUnmarshalJSONZeroOnGarbage(t *testing.T) {
	assert.Equal(t, map[string]string{"k": "v"}, unmarshalJSON[map[string]string]([]byte(`{"k":"v"}`)))
	assert.Nil(t, unmarshalJSON[map[string]string](nil))
	assert.Nil(t, unmarshalJSON[map[string]string]([]byte("not json")))
}
