// Package envelope defines the typed payloads exchanged between host and
// worker and the discriminated envelope that carries them inside a frame.
//
// An envelope body is one discriminator byte followed by the JSON encoding of
// the payload. The discriminator↔type mapping is an explicit table built once
// at startup (see Registry); there is no reflection-based discovery, so decode
// dispatch is a closed, enumerable switch.
package envelope

// Discriminator identifies which payload variant an envelope carries.
type Discriminator byte

const (
	DiscUnknown                 Discriminator = 0
	DiscError                   Discriminator = 1
	DiscMethodSignatureRequest  Discriminator = 2
	DiscMethodSignatureResponse Discriminator = 3
)

// String returns the wire name of the discriminator.
func (d Discriminator) String() string {
	switch d {
	case DiscError:
		return "error"
	case DiscMethodSignatureRequest:
		return "method_signature_request"
	case DiscMethodSignatureResponse:
		return "method_signature_response"
	default:
		return "unknown"
	}
}

// Payload is implemented by every message variant. The discriminator is a
// property of the concrete type, declared explicitly rather than derived.
type Payload interface {
	Discriminator() Discriminator
}

// MethodSignatureRequest asks the worker to parse one method signature.
type MethodSignatureRequest struct {
	MethodSignature string `json:"method_signature"`
}

func (MethodSignatureRequest) Discriminator() Discriminator {
	return DiscMethodSignatureRequest
}

// MethodSignatureResponse is the structured description of a parsed signature.
// ParameterNames and TypeParameterNames preserve declaration order end to end.
type MethodSignatureResponse struct {
	Name               string   `json:"name"`
	ParameterNames     []string `json:"parameter_names"`
	TypeParameterNames []string `json:"type_parameter_names"`
	HasReturnType      bool     `json:"has_return_type"`
}

func (MethodSignatureResponse) Discriminator() Discriminator {
	return DiscMethodSignatureResponse
}

// ErrorPayload reports a failure the worker hit while handling a request.
type ErrorPayload struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace"`
}

func (ErrorPayload) Discriminator() Discriminator {
	return DiscError
}
