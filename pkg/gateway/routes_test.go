package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/billing-trust/internal/testutil"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]string{
		"/=http://web:3000",
		" /invoices/ = http://invoices:3001 ",
		"/invoices/export=https://export:443",
	})
	require.NoError(t, err)
	require.Len(t, routes, 3)

	assert.Equal(t, "/invoices/export", routes[0].Prefix)
	assert.Equal(t, "https://export:443", routes[0].Target.String())
	assert.Equal(t, "/invoices", routes[1].Prefix)
	assert.Equal(t, "invoices:3001", routes[1].Target.Host)
	assert.Equal(t, "/", routes[2].Prefix)
}

func TestParseRoutes_Errors(t *testing.T) {
	tests := map[string][]string{
		"missing separator": {"/invoices"},
		"relative prefix":   {"invoices=http://invoices"},
		"duplicate":         {"/a=http://a", "/a/=http://b"},
		"relative target":   {"/a=invoices:3001"},
		"bad scheme":        {"/a=ftp://files"},
		"no host":           {"/a=http://"},
		"unparsable target": {"/a=http://[::1"},
	}
	for name, specs := range tests {
		t.Run(name, func(t *testing.T) {
			routes, err := ParseRoutes(specs)
			testutil.AssertErrorCode(t, err, sserr.CodeValidation)
			assert.True(t, sserr.IsValidation(err))
			assert.Nil(t, routes)
		})
	}
}

func TestRoute_Matches(t *testing.T) {
	r := Route{Prefix: "/invoices"}
	assert.True(t, r.matches("/invoices"))
	assert.True(t, r.matches("/invoices/42"))
	assert.False(t, r.matches("/invoicesx"))
	assert.False(t, r.matches("/"))

	assert.True(t, Route{Prefix: "/"}.matches("/anything"))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{Routes: []string{"/a=http://a"}}).Validate())
	testutil.AssertErrorCode(t, (&Config{Routes: []string{"nope"}}).Validate(), sserr.CodeValidation)
}
