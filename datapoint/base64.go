package datapoint

import (
	"encoding/base64"

	"github.com/c360/dserv/errors"
)

// EncodeBase64 encodes b with the standard padded alphabet.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes standard padded base64. Malformed input is rejected.
func DecodeBase64(s string) ([]byte, error) {
	out, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedBase64, "Datapoint", "DecodeBase64", "decode payload")
	}
	return out, nil
}
