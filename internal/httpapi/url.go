package httpapi

import "net/url"

// hostOf returns the host of an absolute http(s) URL, or "" otherwise.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Hostname()
}
