package blob

import (
	"errors"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// isNotFound matches both NoSuchKey and the 404 some S3-compatible stores
// return without a code.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

// IsTransient classifies an object-store error for retry purposes: a 5xx
// response or anything without an HTTP response at all (DNS failure, reset
// connection, timeout) is worth retrying. Errors the store answered with a
// definite non-5xx status are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() >= 500
	}
	// No HTTP response reached us; assume the transport flaked.
	return true
}
