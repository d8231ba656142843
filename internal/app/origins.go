package app

import "net/url"

// hostOf returns the host[:port] of an origin URL, or the input unchanged
// when it is not a URL (such as "*").
func hostOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Host
}
