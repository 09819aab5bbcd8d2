package httpserver

import (
	"encoding/json"
	"io"
)

// maxBodyBytes bounds request bodies; every accepted payload is a few hundred bytes.
const maxBodyBytes = 64 << 10

// decodeJSON decodes a JSON request body into the destination struct,
// rejecting unknown fields. The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
