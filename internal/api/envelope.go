package api

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/krithibase/krithibase-server/internal/http/response"
)

// EnvelopeTransformer wraps every operation response in the versioned envelope.
// Errors keep their code, message and details at the top level.
func EnvelopeTransformer(_ huma.Context, _ string, v any) (any, error) {
	if apiErr, ok := v.(*APIError); ok {
		return response.Failure(apiErr.Code, apiErr.Message, apiErr.Details), nil
	}
	return response.OK(v), nil
}
