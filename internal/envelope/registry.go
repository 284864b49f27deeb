package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnregisteredType means Wrap was handed a payload variant that was
	// never registered.
	ErrUnregisteredType = errors.New("envelope: unregistered payload type")

	// ErrUnknownDiscriminator means Unwrap read a discriminator byte that has
	// no registered decoder.
	ErrUnknownDiscriminator = errors.New("envelope: unknown discriminator")

	// ErrEmptyBody means Unwrap was handed an empty envelope body. Frame-level
	// closure signals must be filtered out before decoding.
	ErrEmptyBody = errors.New("envelope: empty body")
)

// decodeFunc turns a JSON body back into its concrete payload.
type decodeFunc func(body []byte) (Payload, error)

// Registry maps discriminators to decoders. Registrations are static
// configuration: build the table at process start and never mutate it
// afterward; it is then safe for concurrent readers.
type Registry struct {
	decoders map[Discriminator]decodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Discriminator]decodeFunc)}
}

// NewDefaultRegistry returns a registry with every wire variant registered.
// Both host and worker build their table from here so the two ends always
// agree on the discriminator space.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	Register[ErrorPayload](r, DiscError)
	Register[MethodSignatureRequest](r, DiscMethodSignatureRequest)
	Register[MethodSignatureResponse](r, DiscMethodSignatureResponse)
	return r
}

// Register binds a payload variant to its discriminator. Call once per
// variant during construction, before any Wrap/Unwrap traffic.
func Register[P Payload](r *Registry, disc Discriminator) {
	r.decoders[disc] = func(body []byte) (Payload, error) {
		var p P
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("envelope: decode %s body: %w", disc, err)
		}
		return p, nil
	}
}

// Wrap serializes p into an envelope body: one discriminator byte followed by
// the JSON payload. The variant must be registered.
func (r *Registry) Wrap(p Payload) ([]byte, error) {
	disc := p.Discriminator()
	if _, ok := r.decoders[disc]; !ok {
		return nil, fmt.Errorf("%w: %T (discriminator %d)", ErrUnregisteredType, p, disc)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s body: %w", disc, err)
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(disc))
	out = append(out, body...)
	return out, nil
}

// Unwrap decodes an envelope body produced by Wrap, dispatching on the
// discriminator byte.
func (r *Registry) Unwrap(body []byte) (Payload, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	disc := Discriminator(body[0])
	decode, ok := r.decoders[disc]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDiscriminator, disc)
	}
	return decode(body[1:])
}
