package logging

import "strings"

// sensitiveKeys lists keys whose values are never logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "api_key": {}, "apikey": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "secret": {}, "client_secret": {}, "email": {},
}

// Redact returns a copy of v, a decoded JSON-like value, with the values of
// sensitive keys replaced. Keys are matched case-insensitively.
func Redact(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				out[k] = "<redacted>"
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, it := range vv {
			out[i] = Redact(it)
		}
		return out
	default:
		return v
	}
}
