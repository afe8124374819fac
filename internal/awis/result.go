package awis

import "fmt"

// SiteData holds the descriptive fields used to build user notes.
// Missing provider values come back as "-".
type SiteData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OnlineSince string `json:"online_since"`
}

// Result is the ranking payload for a single domain. Numeric fields are
// pointers so an absent provider value survives a cache round trip as null
// instead of a zero.
type Result struct {
	Lang                *string `json:"lang"`
	CountryRank         *int64  `json:"country_rank"`
	RankValue           *string `json:"rank_value"`
	PerMillion          *string `json:"per_million"`
	PageViewsPerMillion *string `json:"page_views_per_million"`

	Site SiteData `json:"site_data"`
}

func newResult() *Result {
	return &Result{
		Site: SiteData{Title: "-", Description: "-", OnlineSince: "-"},
	}
}

// Attributes returns the custom-attribute payload for a user update.
// Keys are unprefixed; the messaging client applies the attribute prefix.
func (r *Result) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"lang":                   nil,
		"country_rank":           nil,
		"rank_value":             nil,
		"per_million":            nil,
		"page_views_per_million": nil,
	}
	if r.Lang != nil {
		attrs["lang"] = *r.Lang
	}
	if r.CountryRank != nil {
		attrs["country_rank"] = *r.CountryRank
	}
	if r.RankValue != nil {
		attrs["rank_value"] = *r.RankValue
	}
	if r.PerMillion != nil {
		attrs["per_million"] = *r.PerMillion
	}
	if r.PageViewsPerMillion != nil {
		attrs["page_views_per_million"] = *r.PageViewsPerMillion
	}
	return attrs
}

// NullAttributes is the erase payload, nulling out every ranking attribute.
func NullAttributes() map[string]interface{} {
	return map[string]interface{}{
		"lang":                   nil,
		"country_rank":           nil,
		"rank_value":             nil,
		"per_million":            nil,
		"page_views_per_million": nil,
	}
}

// NoteBody renders the note attached to each enriched user.
func (r *Result) NoteBody() string {
	return fmt.Sprintf("Title: %s\nDescr: %s\nSince: %s\n",
		r.Site.Title, r.Site.Description, r.Site.OnlineSince)
}
