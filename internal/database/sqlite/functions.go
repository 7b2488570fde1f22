package sqlite

import (
	"database/sql/driver"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
	sqlite "modernc.org/sqlite"
)

// vecL2 implements vec_l2(a, b): the Euclidean distance between two encoding
// blobs. NULL in, NULL out.
func vecL2(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_l2: expected 2 arguments, got %d", len(args))
	}
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}

	a, err := asEncoding(args[0])
	if err != nil {
		return nil, err
	}
	b, err := asEncoding(args[1])
	if err != nil {
		return nil, err
	}
	return facematch.Distance(a, b), nil
}

func asEncoding(arg driver.Value) (facematch.Encoding, error) {
	blob, ok := arg.([]byte)
	if !ok {
		return facematch.Encoding{}, fmt.Errorf("vec_l2: unsupported argument type %T, want BLOB", arg)
	}
	enc, err := facematch.DecodeBlob(blob)
	if err != nil {
		return facematch.Encoding{}, fmt.Errorf("vec_l2: %w", err)
	}
	return enc, nil
}
