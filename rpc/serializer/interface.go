package serializer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dRT/rpc/common"
)

// ErrUnknownSerializer is returned by New for names other than binary, json and gob
var ErrUnknownSerializer = errors.New("unknown serializer")

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error
}

// New returns the serializer registered under name (binary, json or gob).
// An empty name selects binary.
func New(name string) (IRPCSerializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "binary":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSerializer, name)
	}
}
