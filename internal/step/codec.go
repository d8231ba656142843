package step

import (
	"encoding/hex"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Payloads are CBOR with core deterministic encoding, so the same value
// always fingerprints to the same bytes, then zstd-compressed for storage.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("step: CBOR encoder initialization failed: " + err.Error())
	}
	// Command output may hold arbitrary bytes; a step that succeeded must
	// decode on replay even when its strings are not valid UTF-8.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		UTF8:           cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("step: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("step: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("step: zstd decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decode(data []byte, v any) error {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(raw, v)
}

// Fingerprint returns the hex BLAKE3 digest of v's deterministic CBOR
// encoding. A nil input fingerprints to the empty string.
func Fingerprint(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := encMode.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
