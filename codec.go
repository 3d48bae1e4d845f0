package cabinet

import (
	"errors"
	"fmt"
	"io"

	"github.com/Defacto2/cabinet/lzx"
	"github.com/Defacto2/cabinet/mszip"
	"github.com/Defacto2/cabinet/quantum"
)

// Codec decompresses the data blocks of one folder in order.
// A codec carries state from block to block and is used by a single folder pass.
type Codec interface {
	// Decode decompresses the payload of the next block into exactly size bytes.
	Decode(src []byte, size int) ([]byte, error)
}

// CodecFactory returns a new codec for a folder that uses compression c.
type CodecFactory func(c Compression) (Codec, error)

// stored is the codec of uncompressed folders.
type stored struct{}

func (stored) Decode(src []byte, size int) ([]byte, error) {
	if len(src) != size {
		return nil, fmt.Errorf("stored block holds %d bytes but declares %d", len(src), size)
	}
	return src, nil
}

func newCodec(c Compression, cfg *Config) (Codec, error) {
	switch c.Method {
	case MethodNone:
		return stored{}, nil
	case MethodMSZIP:
		return mszip.NewDecoder(), nil
	case MethodLZX:
		if cfg.LZX != nil {
			return cfg.LZX(c)
		}
		return lzx.New(int(c.Window))
	case MethodQuantum:
		if cfg.Quantum == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCodec, c)
		}
		e := cfg.Quantum()
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCodec, c)
		}
		return quantum.New(int(c.Level), int(c.Window), e)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c.Method)
}

// decodeErr classifies a codec failure.
func decodeErr(err error) error {
	switch {
	case errors.Is(err, ErrNoCodec), errors.Is(err, quantum.ErrNoEntropy):
		return fmt.Errorf("%w: %w", ErrNoCodec, err)
	case errors.Is(err, lzx.ErrTruncated), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrUnexpectedEOB, err)
	}
	return fmt.Errorf("%w: %w", ErrCorruptStream, err)
}
