package uploader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType represents a category of upload error.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// Retryable reports whether errors of this type are transient: the same
// batch may succeed on retry.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// UploadError is a structured error returned from upload attempts. It carries
// the classified error type, transport status code, and backend message to
// drive retry decisions.
type UploadError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for gRPC or network errors).
	StatusCode int
	// Message is the response body or error detail from the backend.
	Message string
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("upload error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error is transient.
func (e *UploadError) Retryable() bool {
	return e.Type.Retryable()
}

// Classifier maps an upload error to an ErrorType. Callers with
// backend-specific knowledge can replace the default.
type Classifier func(err error) ErrorType

// DefaultClassifier classifies structured upload errors, gRPC status codes,
// and common network error patterns.
func DefaultClassifier(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		return uploadErr.Type
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyGRPCCode(st.Code())
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"),
		strings.Contains(errLower, "deadline exceeded"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused"),
		strings.Contains(errLower, "no such host"),
		strings.Contains(errLower, "network is unreachable"),
		strings.Contains(errLower, "connection reset"),
		strings.Contains(errLower, "broken pipe"):
		return ErrorTypeNetwork
	}

	return ErrorTypeUnknown
}

// classifyGRPCCode categorizes a gRPC status code into an error type.
func classifyGRPCCode(code codes.Code) ErrorType {
	switch code {
	case codes.DeadlineExceeded:
		return ErrorTypeTimeout
	case codes.Unavailable:
		return ErrorTypeNetwork
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrorTypeAuth
	case codes.ResourceExhausted:
		return ErrorTypeRateLimit
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return ErrorTypeClientError
	case codes.Internal, codes.DataLoss, codes.Aborted:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// ClassifyHTTPStatusCode categorizes an HTTP status code into an error type.
func ClassifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isNetworkError checks if the error is a non-timeout network error.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
