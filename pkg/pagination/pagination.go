// Package pagination extracts page/limit query parameters and computes offsets
// and page counts for list endpoints.
package pagination

import (
	"math"
	"net/url"
	"strconv"
)

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit = 100
	// DefaultPage is the default page number when not specified
	DefaultPage = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit = 50
	// MaxPage keeps (page-1)*limit within int32
	MaxPage = math.MaxInt32 / MaxLimit
)

// Params holds the paging values of a request
type Params struct {
	Page   int // 1-based
	Limit  int
	Offset int
}

// Info is the pagination block returned with a page of results
type Info struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// Option configures parameter extraction
type Option func(*Params)

// WithDefaultLimit overrides the limit used when the request has none
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// FromQuery reads page and limit from q, clamping limit to MaxLimit
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{Page: DefaultPage, Limit: DefaultLimit}
	for _, opt := range opts {
		opt(&params)
	}

	if val, err := strconv.Atoi(q.Get("page")); err == nil && val > 0 {
		params.Page = val
	}
	if val, err := strconv.Atoi(q.Get("limit")); err == nil && val > 0 {
		params.Limit = val
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if params.Page > MaxPage {
		params.Page = MaxPage
	}

	params.Offset = (params.Page - 1) * params.Limit
	return params
}

// Describe builds the pagination block for total matching items
func (p Params) Describe(total int) Info {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Info{Total: total, Page: p.Page, Limit: p.Limit, Pages: pages}
}
