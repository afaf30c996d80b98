package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
)

const maxBodyBytes = 1 << 20

// DecodeJSONBody decodes a JSON request body into dst, rejecting unknown
// fields. The returned status is the one the caller should respond with on
// error.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) (int, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return http.StatusUnsupportedMediaType, fmt.Errorf("Content-Type header is not application/json")
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body must not exceed %d bytes", maxBodyBytes)
		}
		return http.StatusBadRequest, err
	}

	return http.StatusOK, nil
}
