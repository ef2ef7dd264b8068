package x224

import "strings"

const mstshashPrefix = "Cookie: mstshash="

// BuildMstshashCookie renders a "Cookie: mstshash=<username>" routing
// cookie. The proxy sends one toward the real target in place of
// whatever cookie the client sent, carrying the real target username.
func BuildMstshashCookie(username string) []byte {
	return []byte(mstshashPrefix + username)
}

// ParseMstshashCookie extracts the username from a "Cookie:
// mstshash=..." routing cookie. ok is false if cookie isn't in that
// form, which callers treat as "no routing hint," not an error.
func ParseMstshashCookie(cookie []byte) (username string, ok bool) {
	s := string(cookie)
	if !strings.HasPrefix(s, mstshashPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, mstshashPrefix), true
}
