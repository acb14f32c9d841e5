package email

import (
	"encoding/base64"
	"fmt"
)

// ContentIDFromName derives a Content-ID from an arbitrary image name, so
// names with spaces or non-ASCII text can still be referenced with "cid:"
// URLs in an HTML body.
func ContentIDFromName(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}

// NameFromContentID reverses ContentIDFromName.
func NameFromContentID(cid string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(cid)
	if err != nil {
		return "", fmt.Errorf("%q is not a content ID derived from a name: %v", cid, err)
	}
	return string(b), nil
}
