package handler

import (
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type page struct {
	Limit  int
	Offset int
}

// parsePage reads ?limit and ?offset, falling back to the defaults on
// missing or out-of-range values.
func parsePage(r *http.Request) page {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return page{Limit: limit, Offset: offset}
}

// paginate returns the window of items selected by p.
func paginate[T any](items []T, p page) []T {
	start := min(p.Offset, len(items))
	end := min(start+p.Limit, len(items))
	return items[start:end]
}
