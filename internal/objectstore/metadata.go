package objectstore

import (
	"encoding/base64"
	"encoding/hex"
)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

// encodeMetadataValue sets key directly into md if it is ASCII; otherwise it
// carries the UTF-8 value as two extra keys, "{key}-base64" (base64 of
// UTF-8) and "{key}-utf8" (hex of UTF-8), per spec §4.3 and §6: "non-ASCII
// metadata ... MUST be carried as two extra keys".
func encodeMetadataValue(md map[string]string, key, value string) {
	if value == "" {
		return
	}
	if isASCII(value) {
		md[key] = value
		return
	}
	md[key+"-base64"] = base64.StdEncoding.EncodeToString([]byte(value))
	md[key+"-utf8"] = hex.EncodeToString([]byte(value))
}

// DecodeMetadataValue recovers value given md and key, preferring the direct
// key, falling back to the base64 form, then the hex form. Returns "" if
// none are present.
func DecodeMetadataValue(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	if v, ok := md[key+"-base64"]; ok {
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return string(b)
		}
	}
	if v, ok := md[key+"-utf8"]; ok {
		if b, err := hex.DecodeString(v); err == nil {
			return string(b)
		}
	}
	return ""
}
