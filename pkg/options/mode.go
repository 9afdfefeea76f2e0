package options

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/WhileEndless/go-openuri/pkg/errors"
)

// Mode is a parsed open mode such as "r", "rb" or "r:iso-8859-1".
type Mode struct {
	Binary bool
	// Encoding is the external encoding named in the mode, if any.
	Encoding string
}

// ParseMode parses an open mode. Only read modes are accepted.
func ParseMode(mode string) (Mode, error) {
	if mode == "" {
		return Mode{}, nil
	}

	parts := strings.Split(mode, ":")
	if len(parts) > 3 {
		return Mode{}, errors.NewConfigurationErrorf("invalid access mode %q", mode)
	}

	access := parts[0]
	if strings.ContainsAny(access, "wa+") {
		return Mode{}, errors.NewConfigurationErrorf("invalid access mode %s (resource is read only)", access)
	}

	var m Mode
	switch access {
	case "r", "rt":
	case "rb":
		m.Binary = true
	default:
		return Mode{}, errors.NewConfigurationErrorf("invalid access mode %q", mode)
	}

	if len(parts) > 1 {
		ext := parts[1]
		if strings.HasPrefix(strings.ToLower(ext), "bom|") {
			ext = ext[len("bom|"):]
		}
		if ext == "" {
			return Mode{}, errors.NewConfigurationErrorf("invalid access mode %q", mode)
		}
		m.Encoding = ext
	}
	if len(parts) == 3 {
		if _, err := LookupEncoding(parts[2]); err != nil {
			return Mode{}, err
		}
	}
	return m, nil
}

// Check rejects settings that conflict between the mode and the options and
// returns the effective encoding override, or nil when the charset of the
// response decides.
func Check(m Mode, o *Options) (encoding.Encoding, error) {
	name := o.Encoding
	if m.Encoding != "" {
		if o.Encoding != "" {
			return nil, errors.NewConfigurationError("encoding specified twice")
		}
		name = m.Encoding
	}
	if name == "" {
		return nil, nil
	}
	return LookupEncoding(name)
}

// LookupEncoding resolves an encoding label as browsers do.
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.NewConfigurationErrorf("unknown encoding name - %s", name)
	}
	return enc, nil
}
