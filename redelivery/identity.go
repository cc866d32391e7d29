package redelivery

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
)

// DefaultDigestAlgorithm hashes payloads when no algorithm is configured
const DefaultDigestAlgorithm = "SHA-256"

var digests = map[string]func() hash.Hash{
	"SHA256": sha256.New,
	"SHA1":   sha1.New,
	"SHA512": sha512.New,
	"MD5":    md5.New,
}

func digestFor(algorithm string) (func() hash.Hash, error) {
	key := strings.ToUpper(strings.ReplaceAll(algorithm, "-", ""))
	newHash, ok := digests[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, algorithm)
	}
	return newHash, nil
}

// identifier computes the identity of a message
type identifier interface {
	id(ctx context.Context, event *contracts.Event) (string, error)
}

type expressionIdentifier struct {
	expressions *expression.Manager
	expr        string
}

func (i expressionIdentifier) id(ctx context.Context, event *contracts.Event) (string, error) {
	return i.expressions.EvaluateString(ctx, i.expr, event)
}

type hashIdentifier struct {
	newHash func() hash.Hash
}

func (i hashIdentifier) id(_ context.Context, event *contracts.Event) (string, error) {
	data, err := payloadBytes(event.Payload())
	if err != nil {
		return "", err
	}
	h := i.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func payloadBytes(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload %T: %w", payload, err)
	}
	return data, nil
}
