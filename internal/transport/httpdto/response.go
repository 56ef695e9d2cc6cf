package httpdto

// Response is the wire envelope every endpoint answers with. Code carries
// the stable error identifier clients classify on; Hint, when present, is a
// short corrective suggestion safe to show to the player.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

func NewErrorResponseWithHint(err, code, hint string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
		Hint:    hint,
	}
}
