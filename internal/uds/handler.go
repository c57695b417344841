package uds

import "context"

// ErrorMapper maps a handler error to one of the ErrCode constants.
type ErrorMapper func(error) string

// Typed adapts fn into a HandlerFunc: params are decoded into P, a decode
// failure is a validation error and any error fn returns is mapped through
// code. A nil result yields a success response without data.
func Typed[P any](code ErrorMapper, fn func(ctx context.Context, params P) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) *Response {
		var params P
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		out, err := fn(ctx, params)
		if err != nil {
			return ErrorResponse(code(err), err.Error())
		}
		return SuccessResponse(out)
	}
}

// NoParams is the parameter type of commands that take none.
type NoParams struct{}
