package visaclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignedRequest is the input to the request signature.
type SignedRequest struct {
	Method         string
	Path           string
	Timestamp      string
	KeyID          string
	OrganizationID string
	// Body is the compact JSON sent on the wire; nil or empty for no body.
	Body []byte
}

// Canonical builds the string the network verifies. The concatenation order
// is fixed by the counter-party: METHOD, path, timestamp, key id, organization
// id, body. An absent body contributes the empty string.
func (r SignedRequest) Canonical() string {
	var b strings.Builder
	b.Grow(len(r.Method) + len(r.Path) + len(r.Timestamp) + len(r.KeyID) + len(r.OrganizationID) + len(r.Body))
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteString(r.Path)
	b.WriteString(r.Timestamp)
	b.WriteString(r.KeyID)
	b.WriteString(r.OrganizationID)
	b.Write(r.Body)
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the canonical string keyed by secret.
func Sign(secret []byte, req SignedRequest) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(req.Canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}
