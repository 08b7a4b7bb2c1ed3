package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/dagflow/pkg/schema"
)

// DigestHandlers returns the hashing and id handlers: digest.hash,
// digest.hmac and id.new.
func DigestHandlers() []Handler {
	return []Handler{&digestHandler{keyed: false}, &digestHandler{keyed: true}, &idHandler{}}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
}

// digestHandler hashes params.data, or signs it with params.key when keyed.
// Outputs are hex encoded, usable as idempotency keys or webhook signatures.
type digestHandler struct {
	keyed bool
}

func (h *digestHandler) Name() string {
	if h.keyed {
		return "digest.hmac"
	}
	return "digest.hash"
}

func (h *digestHandler) Schema() HandlerSchema {
	if h.keyed {
		return HandlerSchema{Description: "HMAC 'data' with 'key' (sha256, sha384, sha512)"}
	}
	return HandlerSchema{Description: "Hash 'data' (sha256, sha384, sha512)"}
}

func (h *digestHandler) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires 'data' string parameter", h.Name())
	}
	if h.keyed {
		if _, ok := params["key"].(string); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires 'key' string parameter", h.Name())
		}
	}
	_, err := hashFunc(stringParam(params, "algorithm", ""))
	return err
}

func (h *digestHandler) Execute(_ context.Context, input Input) (*Output, error) {
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	var sum hash.Hash
	if h.keyed {
		sum = hmac.New(newHash, []byte(stringParam(input.Params, "key", "")))
	} else {
		sum = newHash()
	}
	sum.Write([]byte(stringParam(input.Params, "data", "")))

	field := "hash"
	if h.keyed {
		field = "hmac"
	}
	return marshalOutput(h.Name(), map[string]any{
		field:       hex.EncodeToString(sum.Sum(nil)),
		"algorithm": algorithm,
	})
}

// idHandler generates a v4 UUID, optionally prefixed.
type idHandler struct{}

func (h *idHandler) Name() string { return "id.new" }

func (h *idHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Generate a v4 UUID with an optional 'prefix'"}
}

func (h *idHandler) Validate(map[string]any) error { return nil }

func (h *idHandler) Execute(_ context.Context, input Input) (*Output, error) {
	return marshalOutput(h.Name(), map[string]any{
		"id": stringParam(input.Params, "prefix", "") + uuid.NewString(),
	})
}
