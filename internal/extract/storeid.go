package extract

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	storeIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"storeId"\s*:\s*"?(\d+)"?`),
		regexp.MustCompile(`data-store-number="?(\d+)"?`),
		regexp.MustCompile(`storeNumber"\s*:\s*"?(\d+)"?`),
	}
	digits     = regexp.MustCompile(`(\d+)`)
	postalCode = regexp.MustCompile(`\b([A-Za-z]\d[A-Za-z])\s?(\d[A-Za-z]\d)\b`)
)

// StoreIDFromHTML looks for an embedded store number in page source.
func StoreIDFromHTML(html []byte) string {
	for _, re := range storeIDPatterns {
		if m := re.FindSubmatch(html); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// StoreIDFromURL takes the first run of digits in the last path segment,
// e.g. ".../stores/ontario/toronto-supercentre-1234" yields "1234".
func StoreIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return digits.FindString(parts[len(parts)-1])
}

// PostalCode finds a Canadian postal code and normalizes it to "A1A 1A1".
func PostalCode(text string) string {
	m := postalCode.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1] + " " + m[2])
}
