package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

var (
	defaultLimit = 20
	maxLimit     = 100
)

// Configure overrides the page size bounds. Called once at startup.
func Configure(def, max int) {
	if def > 0 {
		defaultLimit = def
	}
	if max > 0 {
		maxLimit = max
	}
}

// Params holds the limit and offset extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset query parameters, accepting count and
// the FHIR spellings _count and _offset as well. Out-of-range values
// clamp to the configured bounds.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("count"))
	}
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("_count"))
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("_offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API listing.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext reports whether results exist after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious reports whether results exist before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset is the offset of the following page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset is the offset of the preceding page, floored at 0.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLink is one entry of a searchset Bundle's link array.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks builds self/next/previous links for a searchset Bundle.
// The original search parameters are carried on every link so a page
// link replays the same query at a different offset.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []FHIRLink {
	links := []FHIRLink{{
		Relation: "self",
		URL:      p.pageURL(basePath, query, p.Offset),
	}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{
			Relation: "next",
			URL:      p.pageURL(basePath, query, p.NextOffset()),
		})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{
			Relation: "previous",
			URL:      p.pageURL(basePath, query, p.PreviousOffset()),
		})
	}
	return links
}

func (p Params) pageURL(basePath string, query url.Values, offset int) string {
	q := url.Values{}
	for name, vals := range query {
		switch name {
		case "limit", "offset", "count", "_count", "_offset":
		default:
			q[name] = vals
		}
	}
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}
