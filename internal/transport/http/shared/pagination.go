package shared

import (
	"net/url"
	"strconv"
)

type Page struct {
	Limit  int
	Offset int
}

// ParsePage reads limit and offset from the query. Malformed values are reported as
// issues; a limit above maxLimit is clamped to it.
func ParsePage(q url.Values, defaultLimit, maxLimit int) (Page, []ValidationIssue) {
	page := Page{Limit: defaultLimit}
	var issues []ValidationIssue
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			issues = append(issues, ValidationIssue{Field: "limit", Reason: "must be a positive integer"})
		} else {
			page.Limit = min(n, maxLimit)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			issues = append(issues, ValidationIssue{Field: "offset", Reason: "must be zero or more"})
		} else {
			page.Offset = n
		}
	}
	return page, issues
}
