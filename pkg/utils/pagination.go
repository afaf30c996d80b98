package utils

import (
	"net/http"
	"strconv"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Page   int   `json:"page"`
	Total  int64 `json:"total"`
}

// GetPaginationDetails reads ?limit= and ?page= and returns limit, offset
// and page. Limit is clamped to MaxPageLimit.
func GetPaginationDetails(r *http.Request) (int, int, int) {
	limit := QueryInt(r, "limit", DefaultPageLimit)
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	page := QueryInt(r, "page", 1)

	offset := (page - 1) * limit
	return limit, offset, page
}

// QueryInt returns the positive integer query parameter name, or def.
func QueryInt(r *http.Request, name string, def int) int {
	if val, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && val > 0 {
		return val
	}
	return def
}
