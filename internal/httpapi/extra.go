package httpapi

import (
	"net/url"
	"strconv"
	"strings"
)

// Extra is the decoded form of the compact extra path segment
// ("skip=40&genre=Action,Comedy"). Unknown keys are ignored.
type Extra struct {
	Skip            int
	Search          string
	GenreNames      []string
	DisplayLanguage string
}

// ParseExtra decodes an ampersand-delimited, percent-encoded key=value
// segment. Malformed pairs are skipped rather than failing the request.
func ParseExtra(segment string) Extra {
	var extra Extra
	if segment == "" {
		return extra
	}

	for _, pair := range strings.Split(segment, "&") {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			continue
		}
		key, err := url.QueryUnescape(pair[:eq])
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(pair[eq+1:])
		if err != nil {
			continue
		}

		switch key {
		case "skip":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				extra.Skip = n
			}
		case "search":
			extra.Search = value
		case "genre":
			for _, name := range strings.Split(value, ",") {
				if name = strings.TrimSpace(name); name != "" {
					extra.GenreNames = append(extra.GenreNames, name)
				}
			}
		case "displayLanguage":
			extra.DisplayLanguage = value
		}
	}
	return extra
}
