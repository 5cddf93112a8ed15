package wtlp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/klauspost/compress/gzip"
)

// encodePayload runs the send pipeline: gzip, then AES, then base64.
// key may be nil when outgoing encryption is off.
func encodePayload(payload []byte, compress bool, key *crypto.SessionKey) ([]Field, string, error) {
	var fields []Field
	data := payload

	if compress {
		compressed, err := gzipBytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("compress payload: %w", err)
		}
		data = compressed
		fields = append(fields, Field{Key: KeyGzip, Value: fmt.Sprint(len(compressed))})
	}

	if key != nil {
		encrypted, err := key.Encrypt(data)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt payload: %w", err)
		}
		data = encrypted
		fields = append(fields, Field{Key: KeyEncryption, Value: EncryptionAES})
	}

	return fields, base64.StdEncoding.EncodeToString(data), nil
}

// decodePayload reverses encodePayload for a complete (reassembled) frame.
// Decryption runs before decompression; the inflated size is capped at limit.
func decodePayload(f *Frame, key *crypto.SessionKey, limit int) ([]byte, bool, error) {
	id, _ := f.MessageID()
	fail := func(result Result, format string, args ...any) ([]byte, bool, error) {
		return nil, false, &FrameError{Result: result, MessageID: id, HasID: true, Reason: fmt.Sprintf(format, args...)}
	}

	data, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		return fail(ResultInvalidFormat, "payload is not base64: %v", err)
	}

	encrypted := false
	if alg, ok := f.Get(KeyEncryption); ok {
		if alg != EncryptionAES {
			return fail(ResultEncryptionError, "unsupported encryption %q", alg)
		}
		if key == nil {
			return fail(ResultEncryptionError, "no session key installed")
		}
		data, err = key.Decrypt(data)
		if err != nil {
			return fail(ResultEncryptionError, "decrypt: %v", err)
		}
		encrypted = true
	}

	if f.Has(KeyGzip) {
		length, _ := f.Int(KeyGzip)
		if length > len(data) {
			return fail(ResultInvalidFormat, "gzip length %d exceeds payload of %d bytes", length, len(data))
		}
		data, err = gunzipBytes(data[:length], limit)
		if errors.Is(err, ErrTooLarge) {
			return fail(ResultInvalidFormat, "inflated payload exceeds %d bytes", limit)
		}
		if err != nil {
			return fail(ResultUnknownError, "inflate: %v", err)
		}
	}

	return data, encrypted, nil
}

// splitText cuts text into ceil(len/threshold) near-equal parts
func splitText(text string, threshold int) []string {
	if threshold <= 0 || len(text) <= threshold {
		return []string{text}
	}

	n := (len(text) + threshold - 1) / threshold
	base, rem := len(text)/n, len(text)%n

	parts := make([]string, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		parts = append(parts, text[offset:offset+size])
		offset += size
	}
	return parts
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
