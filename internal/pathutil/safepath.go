// Package pathutil checks object key paths built from configuration.
package pathutil

import (
	"strings"

	"github.com/keithlinneman/formgate/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanKeyPrefix normalizes an object key prefix: surrounding slashes are
// trimmed and empty segments collapsed. Dot segments and control characters
// are rejected since they make keys ambiguous across S3 clients.
func CleanKeyPrefix(p string) (string, error) {
	if HasDotSegments(p) {
		return "", xerrors.Newf("key prefix %q contains dot segments", p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", xerrors.Newf("key prefix %q contains control characters", p)
		}
	}
	segs := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	return strings.Join(segs, "/"), nil
}
