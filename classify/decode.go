package classify

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// trackingDomains wrap the destination URL base64-encoded in the last path segment.
var trackingDomains = []string{
	"convertkit-mail.com",
	"convertkit-mail2.com",
	"convertkit-mail3.com",
	"convertkit-mail4.com",
	"kit-mail.com",
	"kit-mail2.com",
	"kit-mail3.com",
	"kit-mail4.com",
	"kit-mail5.com",
	"kit-mail6.com",
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// DecodeTrackingURL returns the destination embedded in a known tracking URL, or
// rawURL unchanged when it is not one or nothing decodes to an http(s) URL.
func DecodeTrackingURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !hostIn(strings.ToLower(u.Hostname()), trackingDomains) {
		return rawURL
	}

	segs := segments(u.EscapedPath())
	if len(segs) == 0 {
		return rawURL
	}
	last, err := url.PathUnescape(segs[len(segs)-1])
	if err != nil {
		return rawURL
	}

	for _, enc := range encodings {
		b, err := enc.DecodeString(last)
		if err != nil {
			continue
		}
		decoded := strings.TrimSpace(string(b))
		if strings.HasPrefix(decoded, "http://") || strings.HasPrefix(decoded, "https://") {
			return decoded
		}
	}
	return rawURL
}
