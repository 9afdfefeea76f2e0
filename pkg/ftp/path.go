package ftp

import (
	"net/url"
	"strings"

	"github.com/WhileEndless/go-openuri/pkg/errors"
)

// Path is the RFC 1738 decomposition of an FTP locator path.
type Path struct {
	Dirs     []string
	File     string
	TypeCode byte // 0, 'a', 'i' or 'd'
}

// ParsePath splits u's path into CWD segments and the file name. The leading
// slash separates the path from the host, so "ftp://h/pub/f" walks "pub" and
// "ftp://h/%2Fpub/f" walks "/pub".
func ParsePath(u *url.URL) (Path, error) {
	var p Path

	raw := strings.TrimPrefix(u.EscapedPath(), "/")
	if i := strings.LastIndex(raw, ";type="); i >= 0 && !strings.Contains(raw[i:], "/") {
		code := raw[i+len(";type="):]
		raw = raw[:i]
		if len(code) != 1 || !strings.Contains("aid", strings.ToLower(code)) {
			return p, errors.NewConfigurationErrorf("invalid typecode: %s", code)
		}
		p.TypeCode = strings.ToLower(code)[0]
	}

	segments := strings.Split(raw, "/")
	for i, seg := range segments {
		s, err := url.PathUnescape(seg)
		if err != nil {
			return p, errors.NewConfigurationErrorf("invalid path segment %q: %v", seg, err)
		}
		if hasControl(s) {
			if i == len(segments)-1 {
				return p, errors.NewConfigurationErrorf("invalid filename: %q", s)
			}
			return p, errors.NewConfigurationErrorf("invalid directory: %q", s)
		}
		segments[i] = s
	}

	p.File = segments[len(segments)-1]
	p.Dirs = segments[:len(segments)-1]
	if p.File == "" && p.TypeCode != 'd' {
		return p, errors.NewConfigurationErrorf("no filename: %s", u.Redacted())
	}
	return p, nil
}

// Credentials returns the login for u, anonymous when u has no userinfo.
func Credentials(u *url.URL, anonUser, anonPassword string) (string, string, error) {
	if u.User == nil {
		return anonUser, anonPassword, nil
	}
	user := u.User.Username()
	password, _ := u.User.Password()
	if hasControl(user) || hasControl(password) {
		return "", "", errors.NewConfigurationError("invalid userinfo: control characters")
	}
	return user, password, nil
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}
