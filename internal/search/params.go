// Package search implements the result-caching, multi-page aggregation
// engine that fronts the remote index. Params canonicalization, the TTL
// query cache, and the page-stitching loop all live here.
package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SortKey enumerates the fields the remote index can order results by.
type SortKey string

const (
	SortSize      SortKey = "dsize"
	SortRelevance SortKey = "relevance"
	SortDate      SortKey = "dtime"
)

// SortDir is the wire encoding of a sort direction.
type SortDir string

const (
	SortDesc SortDir = "-"
	SortAsc  SortDir = "+"
)

// SortSpec pairs a sort key with a direction.
type SortSpec struct {
	Key SortKey `json:"key"`
	Dir SortDir `json:"dir"`
}

// DefaultPerPage is the page size used when a caller does not ask for one.
const DefaultPerPage = 100

// Params describes one search request. Query is required; every other field
// has a default applied during canonicalization.
type Params struct {
	Query   string   `json:"query"`
	Page    int      `json:"page"`
	PerPage int      `json:"perPage"`
	Sort1   SortSpec `json:"sort1"`
	Sort2   SortSpec `json:"sort2"`
	Sort3   SortSpec `json:"sort3"`
}

// normalized returns a copy with the query trimmed and every optional field
// resolved to its default, with the page size clamped to maxPerPage. Cache
// keys and remote requests are always derived from the normalized form so
// logically identical requests collide.
func (p Params) normalized(maxPerPage int) Params {
	p.Query = strings.TrimSpace(p.Query)
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	if p.Sort1 == (SortSpec{}) {
		p.Sort1 = SortSpec{Key: SortSize, Dir: SortDesc}
	}
	if p.Sort2 == (SortSpec{}) {
		p.Sort2 = SortSpec{Key: SortRelevance, Dir: SortDesc}
	}
	if p.Sort3 == (SortSpec{}) {
		p.Sort3 = SortSpec{Key: SortDate, Dir: SortDesc}
	}
	return p
}

// CacheKey serializes the params in a fixed field order. Two normalized
// Params that are semantically equal always produce the same key.
func (p Params) CacheKey() string {
	return fmt.Sprintf("q=%s|pg=%d|pp=%d|s1=%s%s|s2=%s%s|s3=%s%s",
		p.Query, p.Page, p.PerPage,
		p.Sort1.Key, p.Sort1.Dir,
		p.Sort2.Key, p.Sort2.Dir,
		p.Sort3.Key, p.Sort3.Dir,
	)
}

// videoExtensions is the fixed file-extension filter sent with every search.
const videoExtensions = "m4v,3gp,mov,mp4,mkv,mpeg,mpg,avi,wmv,webm,ts"

// Values builds the remote index's query string for these params: the fixed
// protocol fields (advanced mode, video filters, spam filter) plus the
// user-controlled query, pagination, and sort fields.
func (p Params) Values() url.Values {
	v := url.Values{}
	v.Set("st", "adv")
	v.Set("fex", videoExtensions)
	v.Set("fty[]", "VIDEO")
	v.Set("spamf", "1")
	v.Set("gps", p.Query)
	v.Set("pno", strconv.Itoa(p.Page))
	v.Set("pby", strconv.Itoa(p.PerPage))
	v.Set("s1", string(p.Sort1.Key))
	v.Set("s1d", string(p.Sort1.Dir))
	v.Set("s2", string(p.Sort2.Key))
	v.Set("s2d", string(p.Sort2.Dir))
	v.Set("s3", string(p.Sort3.Key))
	v.Set("s3d", string(p.Sort3.Dir))
	return v
}
