package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromQuery(t *testing.T) {
	testCases := []struct {
		name     string
		query    string
		opts     []Option
		expected Params
	}{
		{"defaults", "", nil, Params{Page: 1, Limit: 50, Offset: 0}},
		{"explicit", "page=3&limit=20", nil, Params{Page: 3, Limit: 20, Offset: 40}},
		{"limit clamped", "limit=1000", nil, Params{Page: 1, Limit: MaxLimit, Offset: 0}},
		{"invalid values ignored", "page=-2&limit=abc", nil, Params{Page: 1, Limit: 50, Offset: 0}},
		{"page clamped", "page=92233720368547760&limit=100", nil, Params{Page: MaxPage, Limit: 100, Offset: (MaxPage - 1) * 100}},
		{"custom default limit", "page=2", []Option{WithDefaultLimit(10)}, Params{Page: 2, Limit: 10, Offset: 10}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := url.ParseQuery(tc.query)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, FromQuery(q, tc.opts...))
		})
	}
}

func TestDescribe(t *testing.T) {
	p := Params{Page: 2, Limit: 10, Offset: 10}
	assert.Equal(t, Info{Total: 25, Page: 2, Limit: 10, Pages: 3}, p.Describe(25))
	assert.Equal(t, Info{Total: 0, Page: 2, Limit: 10, Pages: 0}, p.Describe(0))
}
