package ai

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. The same code/message pair is what gets recorded on
// jobs and runs, and what the metrics timeout scan reads.
const (
	CodeInvalidInput           = "invalid_input"
	CodeCapabilityNotSupported = "capability_not_supported"
	CodePromptParamMissing     = "prompt_param_missing"
	CodePromptParamUnresolved  = "prompt_param_unresolved"
	CodePromptNotFound         = "prompt_not_found"
	CodePromptVersionMissing   = "prompt_version_missing"
	CodeModeInvalid            = "doubao_mode_invalid"
	CodeKeyMissing             = "doubao_key_missing"
	CodeTimeout                = "doubao_timeout"
	CodeNetwork                = "doubao_network_error"
	CodeRequestFailed          = "doubao_request_failed"
	CodeCircuitOpen            = "doubao_circuit_open"
	CodeEmptyResponse          = "doubao_empty_response"
	CodeInvalidPayload         = "doubao_invalid_payload"
	CodeJSONNotFound           = "json_not_found"
	CodeProductDocInvalid      = "product_doc_invalid"
	CodeImageNotFound          = "image_not_found"
	CodeImagePathInvalid       = "image_path_invalid"
	CodeJobNotFound            = "job_not_found"
	CodeJobAlreadyRunning      = "job_already_running"
	CodeJobFailed              = "ai_job_failed"
	CodeInvalidJobOutput       = "invalid_job_output"
	CodeInternal               = "ai_internal_error"
	CodeCostConfigInvalid      = "ai_cost_config_invalid"
)

// ErrorKind separates the external-service failure subtypes that drive retry
// decisions from every other domain failure.
type ErrorKind int

const (
	KindDomain ErrorKind = iota
	KindTimeout
	KindNetwork
	KindHTTPStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	default:
		return "domain"
	}
}

// transientStatuses are the upstream HTTP statuses worth another attempt
var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusConflict:            true, // 409
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// ServiceError is the single structured error type of the AI layer
type ServiceError struct {
	Code       string
	Message    string
	HTTPStatus int
	Kind       ErrorKind
	// UpstreamStatus is the status returned by the model service (KindHTTPStatus only)
	UpstreamStatus int
	Cause          error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Transient reports whether another attempt may succeed
func (e *ServiceError) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindHTTPStatus:
		return transientStatuses[e.UpstreamStatus]
	}
	return false
}

// NewError creates a domain ServiceError
func NewError(code string, httpStatus int, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: httpStatus}
}

// InvalidInput creates an invalid_input error
func InvalidInput(format string, args ...any) *ServiceError {
	return NewError(CodeInvalidInput, http.StatusBadRequest, format, args...)
}

// AsServiceError unwraps err into a *ServiceError
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code
func IsCode(err error, code string) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}

// IsTransient reports whether err is a retryable external-service failure
func IsTransient(err error) bool {
	se, ok := AsServiceError(err)
	return ok && se.Transient()
}

// Internal converts an unrecognized error into ai_internal_error. Known
// ServiceErrors pass through unchanged.
func Internal(err error) *ServiceError {
	if se, ok := AsServiceError(err); ok {
		return se
	}
	msg := "internal error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &ServiceError{Code: CodeInternal, Message: msg, HTTPStatus: http.StatusInternalServerError, Cause: err}
}
