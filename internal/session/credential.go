package session

import (
	"encoding/json"
	"strings"

	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/remote"
)

const (
	minCredentialLen = 8
	maxCredentialLen = 512
)

// ParseCredential extracts the sessionid value from a cookie header string, a JSON object
// of the form {"sessionid": "..."}, or a bare value, and validates its shape.
func ParseCredential(raw string) (remote.Credential, error) {
	raw = strings.TrimSpace(raw)
	var value string

	switch {
	case strings.HasPrefix(raw, "{"):
		var obj struct {
			SessionID string `json:"sessionid"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return "", domain.ErrInvalidCredential
		}
		value = obj.SessionID
	case strings.Contains(raw, "sessionid="):
		for _, part := range strings.Split(raw, ";") {
			name, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && name == "sessionid" {
				value = v
				break
			}
		}
	default:
		value = raw
	}

	value = strings.Trim(strings.TrimSpace(value), `"`)
	if !validCredential(value) {
		return "", domain.ErrInvalidCredential
	}
	return remote.Credential(value), nil
}

func validCredential(v string) bool {
	if len(v) < minCredentialLen || len(v) > maxCredentialLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '%' || c == ':' || c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
