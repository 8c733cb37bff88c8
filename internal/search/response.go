package search

import "encoding/json"

// Item is one result row from the remote index. Rows are positional JSON
// arrays; the engine treats them as opaque except for the first element,
// which is the row's stable identifier.
type Item []json.RawMessage

// ID returns the item's stable identifier. String values are unquoted;
// anything else is compared by its raw encoding.
func (it Item) ID() string {
	if len(it) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(it[0], &s); err == nil {
		return s
	}
	return string(it[0])
}

// SearchResponse is one page of results as the remote index returns it. The
// engine passes the payload through without interpreting individual rows.
type SearchResponse struct {
	Items      []Item `json:"data"`
	Returned   int    `json:"returned"`
	Total      int    `json:"results"`
	Unfiltered int    `json:"unfilteredResults"`
}

// FirstID returns the identifier of the page's leading item, or "" for an
// empty page. Duplicate-page detection compares leading identifiers.
func (r *SearchResponse) FirstID() string {
	if r == nil || len(r.Items) == 0 {
		return ""
	}
	return r.Items[0].ID()
}
