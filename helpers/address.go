package helpers

import "strings"

// NormalizeAddress lowercases and trims an address for lookups.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ExtractPathAddress pulls the mailbox out of an SMTP path argument such as
// "FROM:<user@example.com> SIZE=100" or "TO: user@example.com". It returns an
// empty string for the null path "<>".
func ExtractPathAddress(arg string) string {
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		arg = arg[i+1:]
	}
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		if end := strings.IndexByte(arg, '>'); end > 0 {
			return strings.TrimSpace(arg[1:end])
		}
		return strings.TrimSpace(strings.TrimPrefix(arg, "<"))
	}
	if sp := strings.IndexAny(arg, " \t"); sp >= 0 {
		arg = arg[:sp]
	}
	return arg
}
