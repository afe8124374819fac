package awis

import (
	"strconv"
	"strings"

	"github.com/clbanning/mxj/v2"

	"ranker/internal/common/errors"
)

// nsPrefix is the namespace prefix the provider uses on every element.
const nsPrefix = "aws:"

// parseResponse walks one batch response and merges per-domain data into
// results. ContentData nodes carry the language and site descriptions,
// TrafficData nodes carry the rank figures.
func parseResponse(body []byte, results map[string]*Result) error {
	xmlMap, err := mxj.NewMapXml(body)
	if err != nil {
		return errors.ValidationError("failed to parse ranking response: " + err.Error())
	}

	ensure := func(domain string) *Result {
		if r, ok := results[domain]; ok {
			return r
		}
		r := newResult()
		results[domain] = r
		return r
	}

	for _, node := range findAll(map[string]interface{}(xmlMap), nsPrefix+"ContentData") {
		domain, ok := textAt(node, "DataUrl")
		if !ok {
			continue
		}
		result := ensure(domain)

		if lang, ok := textAt(node, "Language", "Locale"); ok {
			result.Lang = &lang
		}
		if title, ok := textAt(node, "SiteData", "Title"); ok {
			result.Site.Title = title
		}
		if descr, ok := textAt(node, "SiteData", "Description"); ok {
			result.Site.Description = descr
		}
		if since, ok := textAt(node, "SiteData", "OnlineSince"); ok {
			result.Site.OnlineSince = since
		}
	}

	for _, node := range findAll(map[string]interface{}(xmlMap), nsPrefix+"TrafficData") {
		domain, ok := textAt(node, "DataUrl")
		if !ok {
			continue
		}
		result := ensure(domain)

		result.CountryRank = countryRank(node, result.Lang)

		if v, ok := textAt(node, "Reach", "Rank", "Value"); ok {
			result.RankValue = &v
		}
		if v, ok := textAt(node, "Reach", "PerMillion", "Value"); ok {
			result.PerMillion = &v
		}
		if v, ok := textAt(node, "PageViews", "PerMillion", "Value"); ok {
			result.PageViewsPerMillion = &v
		}
	}

	return nil
}

// countryRank picks the rank for the country matching the site language,
// falling back to the best rank across every listed country.
func countryRank(trafficNode map[string]interface{}, lang *string) *int64 {
	countries := findAll(trafficNode, nsPrefix+"Country")

	if lang != nil {
		code := strings.ToUpper(*lang)
		for _, country := range countries {
			if attr, ok := country["-Code"].(string); ok && strings.ToUpper(attr) == code {
				if rank, ok := intAt(country, "Rank"); ok {
					return &rank
				}
			}
		}
	}

	var best *int64
	for _, country := range countries {
		rank, ok := intAt(country, "Rank")
		if !ok {
			continue
		}
		if best == nil || rank < *best {
			r := rank
			best = &r
		}
	}
	return best
}

// findAll collects every descendant map stored under the given key,
// matching the recursive element search the provider paths imply.
func findAll(v interface{}, key string) []map[string]interface{} {
	var found []map[string]interface{}

	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			if k == key {
				switch hit := child.(type) {
				case map[string]interface{}:
					found = append(found, hit)
				case []interface{}:
					for _, item := range hit {
						if m, ok := item.(map[string]interface{}); ok {
							found = append(found, m)
						}
					}
				}
				continue
			}
			found = append(found, findAll(child, key)...)
		}
	case []interface{}:
		for _, item := range node {
			found = append(found, findAll(item, key)...)
		}
	}

	return found
}

// textAt walks namespaced child elements and returns the text content of
// the final node. Element text may be a bare string or live under "#text"
// when the element carries attributes.
func textAt(node map[string]interface{}, path ...string) (string, bool) {
	var current interface{} = node
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[nsPrefix+segment]
		if !ok {
			return "", false
		}
	}
	return textOf(current)
}

func intAt(node map[string]interface{}, path ...string) (int64, bool) {
	text, ok := textAt(node, path...)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func textOf(v interface{}) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case map[string]interface{}:
		if text, ok := value["#text"].(string); ok {
			return text, true
		}
	}
	return "", false
}
