package meta

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

type param struct {
	name  string
	value string
}

// scanner walks a header value using the RFC 2045/7230 grammar:
//
//	media-type = LWS? token LWS? "/" token LWS? *( ";" LWS? parameter LWS? ) [";" LWS?]
//	parameter  = token LWS? "=" LWS? ( token | quoted-string )
type scanner struct {
	s string
	i int
}

func (p *scanner) done() bool {
	return p.i >= len(p.s)
}

func (p *scanner) skipLWS() {
	for p.i < len(p.s) {
		switch p.s[p.i] {
		case ' ', '\t', '\r', '\n':
			p.i++
		default:
			return
		}
	}
}

func (p *scanner) consume(c byte) bool {
	if p.i < len(p.s) && p.s[p.i] == c {
		p.i++
		return true
	}
	return false
}

func (p *scanner) token() (string, bool) {
	start := p.i
	for p.i < len(p.s) && httpguts.IsTokenRune(rune(p.s[p.i])) {
		p.i++
	}
	return p.s[start:p.i], p.i > start
}

// quoted reads a quoted-string and returns it with quoting removed.
func (p *scanner) quoted() (string, bool) {
	if !p.consume('"') {
		return "", false
	}
	var sb strings.Builder
	for p.i < len(p.s) {
		c := p.s[p.i]
		switch {
		case c == '"':
			p.i++
			return sb.String(), true
		case c == '\\':
			if p.i+1 >= len(p.s) || p.s[p.i+1] > 0x7f {
				return "", false
			}
			sb.WriteByte(p.s[p.i+1])
			p.i += 2
		case c == '\r' || c == '\n' || c == '\t' || c >= 0x20 && c != 0x7f:
			sb.WriteByte(c)
			p.i++
		default:
			return "", false
		}
	}
	return "", false
}

func parseMediaType(v string) (string, []param, bool) {
	p := &scanner{s: v}
	p.skipLWS()
	typ, ok := p.token()
	if !ok {
		return "", nil, false
	}
	p.skipLWS()
	if !p.consume('/') {
		return "", nil, false
	}
	sub, ok := p.token()
	if !ok {
		return "", nil, false
	}
	p.skipLWS()

	var params []param
	for !p.done() {
		if !p.consume(';') {
			return "", nil, false
		}
		p.skipLWS()
		if p.done() {
			break
		}
		name, ok := p.token()
		if !ok {
			return "", nil, false
		}
		p.skipLWS()
		if !p.consume('=') {
			return "", nil, false
		}
		p.skipLWS()
		value, ok := p.token()
		if !ok {
			if value, ok = p.quoted(); !ok {
				return "", nil, false
			}
		}
		p.skipLWS()
		params = append(params, param{name: strings.ToLower(name), value: value})
	}
	return strings.ToLower(typ) + "/" + strings.ToLower(sub), params, true
}

// parseTokenList parses `LWS? token LWS? *( "," LWS? token LWS? )`.
func parseTokenList(v string) []string {
	p := &scanner{s: v}
	var out []string
	for {
		p.skipLWS()
		tok, ok := p.token()
		if !ok {
			return nil
		}
		out = append(out, strings.ToLower(tok))
		p.skipLWS()
		if p.done() {
			return out
		}
		if !p.consume(',') {
			return nil
		}
	}
}
