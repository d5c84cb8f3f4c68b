package controller

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/tvlscope/tvlscope/pkg/tvl"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// SortOrder represents the sort direction for queries
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// pageSpec pages protocols by id. Cursor is the last id of the previous page.
type pageSpec struct {
	Limit  int
	Cursor string
	Sort   SortOrder
}

func parsePageSpec(r *http.Request) (pageSpec, error) {
	qs := r.URL.Query()
	limit := defaultLimit
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pageSpec{}, errInvalidLimit
		}
		limit = min(n, maxLimit)
	}

	// ids are sorted ascending by default
	order := SortOrderAsc
	if v := qs.Get("sort"); v != "" {
		switch SortOrder(v) {
		case SortOrderAsc, SortOrderDesc:
			order = SortOrder(v)
		default:
			return pageSpec{}, errInvalidSort
		}
	}

	return pageSpec{Limit: limit, Cursor: qs.Get("cursor"), Sort: order}, nil
}

// page sorts protocols and returns the slice after the cursor plus the cursor
// of the following page, empty when this is the last one.
func (p pageSpec) page(protocols []tvl.Protocol) ([]tvl.Protocol, string) {
	sort.Slice(protocols, func(i, j int) bool {
		if p.Sort == SortOrderDesc {
			return protocols[i].ID > protocols[j].ID
		}
		return protocols[i].ID < protocols[j].ID
	})

	start := 0
	if p.Cursor != "" {
		start = sort.Search(len(protocols), func(i int) bool {
			c := strings.Compare(protocols[i].ID, p.Cursor)
			if p.Sort == SortOrderDesc {
				return c < 0
			}
			return c > 0
		})
	}

	end := min(start+p.Limit, len(protocols))
	out := protocols[start:end]
	if end < len(protocols) && len(out) > 0 {
		return out, out[len(out)-1].ID
	}
	return out, ""
}

var (
	errInvalidLimit = &parseError{msg: "invalid limit"}
	errInvalidSort  = &parseError{msg: "invalid sort, must be 'asc' or 'desc'"}
	errInvalidBool  = &parseError{msg: "invalid newChainNames, must be 'true' or 'false'"}
)

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
