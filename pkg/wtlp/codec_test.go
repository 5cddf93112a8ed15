package wtlp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		threshold int
		want      int
	}{
		{"under threshold", 50, 100, 1},
		{"exact threshold", 100, 100, 1},
		{"one over", 101, 100, 2},
		{"many", 1000, 100, 10},
		{"uneven", 1001, 100, 11},
		{"default threshold", 61001, DefaultFragmentThreshold, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.Repeat("x", tt.length)
			parts := splitText(text, tt.threshold)
			if len(parts) != tt.want {
				t.Fatalf("splitText() produced %d parts, want %d", len(parts), tt.want)
			}

			min, max := len(parts[0]), len(parts[0])
			for _, p := range parts {
				if len(p) > tt.threshold {
					t.Errorf("part of %d chars exceeds threshold %d", len(p), tt.threshold)
				}
				if len(p) < min {
					min = len(p)
				}
				if len(p) > max {
					max = len(p)
				}
			}
			if max-min > 1 {
				t.Errorf("parts not near-equal: min %d max %d", min, max)
			}
			if strings.Join(parts, "") != text {
				t.Error("parts do not reassemble to the original")
			}
		})
	}
}

func TestPayloadPipeline(t *testing.T) {
	key, err := crypto.NewSessionKey(bytes.Repeat([]byte{7}, 32), bytes.Repeat([]byte{9}, crypto.IVSize))
	if err != nil {
		t.Fatalf("NewSessionKey() error = %v", err)
	}
	payload := bytes.Repeat([]byte("pipeline "), 200)

	tests := []struct {
		name     string
		compress bool
		key      *crypto.SessionKey
	}{
		{"plain", false, nil},
		{"gzip", true, nil},
		{"aes", false, key},
		{"gzip+aes", true, key},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, text, err := encodePayload(payload, tt.compress, tt.key)
			if err != nil {
				t.Fatalf("encodePayload() error = %v", err)
			}

			f := &Frame{Payload: text}
			f.SetInt(KeyMessageID, 1)
			f.Fields = append(f.Fields, fields...)

			got, encrypted, err := decodePayload(f, key, DefaultMaxPayloadSize)
			if err != nil {
				t.Fatalf("decodePayload() error = %v", err)
			}
			if encrypted != (tt.key != nil) {
				t.Errorf("encrypted = %v, want %v", encrypted, tt.key != nil)
			}
			if !bytes.Equal(got, payload) {
				t.Error("payload mismatch after pipeline")
			}
		})
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  bool
		want Result
	}{
		{"bad base64", "message_id:1;***", false, ResultInvalidFormat},
		{"unsupported cipher", "message_id:1;encryption:des;AAAA", true, ResultEncryptionError},
		{"no key", "message_id:1;encryption:aes;AAAAAAAAAAAAAAAAAAAAAA==", false, ResultEncryptionError},
		{"gzip length too large", "message_id:1;gzip:500;AAAA", false, ResultInvalidFormat},
		{"not gzip", "message_id:1;gzip:3;AAAA", false, ResultUnknownError},
	}

	key, _ := crypto.NewSessionKey(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, crypto.IVSize))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame(tt.text)
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			var k *crypto.SessionKey
			if tt.key {
				k = key
			}
			_, _, err = decodePayload(f, k, DefaultMaxPayloadSize)
			fe, ok := err.(*FrameError)
			if !ok {
				t.Fatalf("decodePayload() error = %v, want *FrameError", err)
			}
			if fe.Result != tt.want {
				t.Errorf("result = %s, want %s", fe.Result, tt.want)
			}
		})
	}
}

func TestDecodePayloadInflateLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 1<<20)
	fields, text, err := encodePayload(payload, true, nil)
	if err != nil {
		t.Fatalf("encodePayload() error = %v", err)
	}
	f := &Frame{Fields: append([]Field{{Key: KeyMessageID, Value: "1"}}, fields...), Payload: text}

	if len(text) > 4096 {
		t.Fatalf("expected a highly compressible payload, got %d encoded bytes", len(text))
	}

	got, _, err := decodePayload(f, nil, len(payload))
	if err != nil {
		t.Fatalf("decodePayload() at the limit error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch at the limit")
	}

	_, _, err = decodePayload(f, nil, len(payload)-1)
	fe, ok := err.(*FrameError)
	if !ok {
		t.Fatalf("decodePayload() error = %v, want *FrameError", err)
	}
	if fe.Result != ResultInvalidFormat {
		t.Errorf("result = %s, want %s", fe.Result, ResultInvalidFormat)
	}
}
