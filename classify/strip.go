package classify

import (
	"net/url"
	"strings"
)

var trackingParams = map[string]bool{
	"ref":              true,
	"ref_src":          true,
	"fbclid":           true,
	"gclid":            true,
	"dclid":            true,
	"msclkid":          true,
	"mc_cid":           true,
	"mc_eid":           true,
	"_hsenc":           true,
	"_hsmi":            true,
	"mkt_tok":          true,
	"vero_id":          true,
	"s_cid":            true,
	"next":             true,
	"token":            true,
	"ck_subscriber_id": true,
	"__s":              true,
	"trk":              true,
}

var trackingParamPrefixes = []string{"utm_", "oly_"}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if trackingParams[key] {
		return true
	}
	for _, p := range trackingParamPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// StripTrackingParams removes tracking query parameters from rawURL, keeping the
// remaining parameters in their original order and encoding. A query left empty is
// dropped along with its "?". Input that cannot be parsed is returned unchanged.
func StripTrackingParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.RawQuery == "" && !u.ForceQuery) {
		return rawURL
	}

	var kept []string
	for pair := range strings.SplitSeq(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if !isTrackingParam(key) {
			kept = append(kept, pair)
		}
	}

	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	return u.String()
}
