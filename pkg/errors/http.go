package apperrors

import "net/http"

// HTTPStatus maps a kind to the status code the API responds with. The
// mapping is also used in reverse by the upload client: 4xx statuses with
// unknown codes classify as validation, 5xx as server.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindRangeConflict, KindQuotaExceeded:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindHashMismatch:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request (nginx convention)
	case KindNetwork, KindServer, KindMergeStage, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// KindFromHTTPStatus classifies a bare HTTP status with no recognizable wire
// code. Used by the client when a proxy or load balancer answers instead of
// the API.
func KindFromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestEntityTooLarge:
		return KindFileTooLarge
	case status == http.StatusUnsupportedMediaType:
		return KindUnsupportedFormat
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusGone:
		return KindSessionExpired
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
