package wire

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// Deterministic CBOR core profile (RFC 8949) so any two peers produce
// byte-identical encodings for the same envelope.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes a wire body with the package's CBOR profile.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a wire body with the package's CBOR profile.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode parses a full envelope from its framed bytes.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
