package manipulators

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// HexDigest returns the lower-case hex digest of data.
func HexDigest(algorithm, data string) (string, error) {
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashManipulator(algorithm string) *Func {
	return &Func{
		FName: algorithm, FDisplay: algorithm + "(str)", FCategory: CategoryHash, FArgs: 1,
		FDesc:   "Hex encoded " + algorithm + " digest of the UTF-8 bytes of a string.",
		FReturn: fields.ClassString,
		Fn: func(args []any) (any, error) {
			s, ok, err := strArg(algorithm, args, 0)
			if err != nil || !ok {
				return nil, err
			}
			return HexDigest(algorithm, s)
		},
	}
}

func hashManipulators() []Manipulator {
	return []Manipulator{
		hashManipulator("md5"),
		hashManipulator("sha1"),
		hashManipulator("sha256"),
		hashManipulator("sha512"),
	}
}
