package logging

import (
	"log/slog"
	"regexp"

	"github.com/m-mizutani/masq"
)

// credentialURLPattern matches URLs with embedded user:password, as found in
// postgres store locations.
var credentialURLPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^/\s:@]+:[^/\s@]+@\S+`)

// passwordParamPattern matches password=... pairs in key/value DSNs.
var passwordParamPattern = regexp.MustCompile(`(?i)password\s*=\s*\S+`)

func newRedactAttr() func([]string, slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("dsn"),
		masq.WithFieldPrefix("secret_"),
		masq.WithRegex(credentialURLPattern),
		masq.WithRegex(passwordParamPattern),
	)
}
