package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_LongestPrefixWins(t *testing.T) {
	table, err := NewTable([]Route{
		{Name: "root", Prefix: "/api", Service: "core"},
		{Name: "users", Prefix: "/api/users", Service: "core"},
		{Name: "user-settings", Prefix: "/api/users/settings", Service: "settings"},
	})
	require.NoError(t, err)

	cases := []struct {
		path string
		want string
	}{
		{"/api/users/settings/theme", "user-settings"},
		{"/api/users/settings", "user-settings"},
		{"/api/users/42", "users"},
		{"/api/users", "users"},
		{"/api/billing", "root"},
		{"/api", "root"},
	}
	for _, tc := range cases {
		rt := table.Match(tc.path)
		require.NotNil(t, rt, "path %s", tc.path)
		assert.Equal(t, tc.want, rt.Name, "path %s", tc.path)
	}

	assert.Nil(t, table.Match("/metrics"))
}

func TestTable_PrefixMatchIsSegmentAware(t *testing.T) {
	table, err := NewTable([]Route{{Name: "users", Prefix: "/api/users", Service: "core"}})
	require.NoError(t, err)

	assert.NotNil(t, table.Match("/api/users"))
	assert.NotNil(t, table.Match("/api/users/42"))
	assert.Nil(t, table.Match("/api/usersearch"))
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable([]Route{{Name: "bad", Prefix: "api/users", Service: "core"}})
	require.Error(t, err)

	_, err = NewTable([]Route{{Name: "bad", Prefix: "/api/users"}})
	require.Error(t, err)
}

func TestRoute_PathParam(t *testing.T) {
	rt := Route{Prefix: "/api/users"}
	assert.Equal(t, "abc", rt.PathParam("/api/users/abc"))
	assert.Equal(t, "abc", rt.PathParam("/api/users/abc/profile"))
	assert.Equal(t, "", rt.PathParam("/api/users"))
	assert.Equal(t, "", rt.PathParam("/api/users/"))
}

func TestRoute_ForwardPath(t *testing.T) {
	strip := Route{Prefix: "/api/legacy", StripPrefix: true}
	assert.Equal(t, "/v2/things", strip.ForwardPath("/api/legacy/v2/things"))
	assert.Equal(t, "/", strip.ForwardPath("/api/legacy"))

	keep := Route{Prefix: "/api/users"}
	assert.Equal(t, "/api/users/42", keep.ForwardPath("/api/users/42"))
}

func TestRoute_Attempts(t *testing.T) {
	assert.Equal(t, 3, (&Route{Retries: 2}).Attempts())
	assert.Equal(t, 1, (&Route{Retries: -1}).Attempts())
	assert.Equal(t, 1, (&Route{Retries: 4, PaymentClass: true}).Attempts())
}

func TestDefaultRoutes_BuildValidTable(t *testing.T) {
	table, err := NewTable(DefaultRoutes())
	require.NoError(t, err)

	payments := table.Match("/api/v1/payments/checkout")
	require.NotNil(t, payments)
	assert.True(t, payments.PaymentClass)
	assert.Equal(t, 1, payments.Attempts())

	mentors := table.Match("/api/v1/mentors")
	require.NotNil(t, mentors)
	assert.False(t, mentors.RequireAuth)
	assert.Equal(t, 60*time.Second, mentors.CacheTTL)
}
