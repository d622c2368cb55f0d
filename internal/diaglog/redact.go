package diaglog

import "strings"

// sensitiveKeys are replaced with "[REDACTED]" before an entry is written.
// Camera daemon credentials travel in the handshake; image payloads are large
// base64 blobs that would swamp the log.
var sensitiveKeys = map[string]string{
	"authentication": "[REDACTED]",
	"password":       "[REDACTED]",
	"secret":         "[REDACTED]",
	"challenge":      "[REDACTED]",
	"salt":           "[REDACTED]",
	"data":           "[BINARY]",
}

// Redact recursively copies v, masking values of sensitive keys. Key matching
// is case-insensitive. v is not mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if mask, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				out[k] = mask
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}
