/*
Package req provides helper functions for HTTP request parsing and data binding.

It encapsulates strict JSON body decoding with unified error reporting so
handlers only deal with validated structs.
*/
package req

import (
	"encoding/json"
	"net/http"
	"strings"

	"relaychat/internal/pkg/errs"
)

// MaxBodySize is the maximum allowed size in bytes for a JSON request body.
const MaxBodySize int64 = 1 << 20 // 1 MB

// BindJSON binds the JSON request body to dst. Unknown fields, trailing
// content, and non-JSON content types are rejected.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}
