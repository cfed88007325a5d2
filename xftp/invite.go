package xftp

import (
	"encoding/base64"

	"github.com/anoncore/smp-core/errs"
)

// scheme is the xftp:// URI scheme §6 reserves for a file description:
// the scheme carries the full YAML bytes (or a redirect stub) base64
// encoded in the URI's opaque part, mirroring agent.Invitation.Encode's
// use of a custom scheme plus base64 fields for an out-of-band value.
const scheme = "xftp://"

// EncodeURI renders d as an xftp:// URI: its YAML bytes, base64 encoded.
func EncodeURI(d *Description) (string, error) {
	raw, err := d.Encode()
	if err != nil {
		return "", err
	}
	return scheme + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseURI reverses EncodeURI.
func ParseURI(uri string) (*Description, error) {
	if len(uri) <= len(scheme) || uri[:len(scheme)] != scheme {
		return nil, errs.New(errs.KindFile, "ParseURI", "missing xftp:// scheme")
	}
	raw, err := base64.RawURLEncoding.DecodeString(uri[len(scheme):])
	if err != nil {
		return nil, errs.Wrap(errs.KindFile, "ParseURI", err)
	}
	return DecodeDescription(raw)
}
