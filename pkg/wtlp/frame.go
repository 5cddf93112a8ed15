package wtlp

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is a frame metadata key
type Key string

const (
	KeyMessageID     Key = "message_id"
	KeyResult        Key = "result"
	KeyEncryption    Key = "encryption"
	KeyGzip          Key = "gzip"
	KeyFragmentIndex Key = "fragment_index"
	KeyFragmentCount Key = "fragment_count"
)

// EncryptionAES is the only defined value of the encryption key
const EncryptionAES = "aes"

var knownKeys = map[Key]bool{
	KeyMessageID:     true,
	KeyResult:        true,
	KeyEncryption:    true,
	KeyGzip:          true,
	KeyFragmentIndex: true,
	KeyFragmentCount: true,
}

// Result is the delivery status a receiver reports for a message
type Result string

const (
	ResultSuccess         Result = "success"
	ResultTimeout         Result = "timeout"
	ResultUnknownError    Result = "unknown_error"
	ResultSplittingError  Result = "splitting_error"
	ResultEncryptionError Result = "encryption_error"
	ResultInvalidFormat   Result = "invalid_format"
)

// Valid reports whether r is a defined result value
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultTimeout, ResultUnknownError, ResultSplittingError,
		ResultEncryptionError, ResultInvalidFormat:
		return true
	}
	return false
}

// Field is one metadata pair
type Field struct {
	Key   Key
	Value string
}

// Frame is one parsed wire message
type Frame struct {
	Fields  []Field
	Payload string
}

// Get returns the value of key
func (f *Frame) Get(key Key) (string, bool) {
	for _, field := range f.Fields {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present
func (f *Frame) Has(key Key) bool {
	_, ok := f.Get(key)
	return ok
}

// Int returns an integer valued key
func (f *Frame) Int(key Key) (int, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MessageID returns the message_id value
func (f *Frame) MessageID() (int, bool) {
	return f.Int(KeyMessageID)
}

// Result returns the result value
func (f *Frame) Result() (Result, bool) {
	v, ok := f.Get(KeyResult)
	return Result(v), ok
}

// IsAck reports whether the frame is a bare delivery acknowledgment
func (f *Frame) IsAck() bool {
	return len(f.Fields) == 2 && f.Has(KeyMessageID) && f.Has(KeyResult) && f.Payload == ""
}

// IsFragment reports whether the frame carries fragment metadata
func (f *Frame) IsFragment() bool {
	return f.Has(KeyFragmentIndex) || f.Has(KeyFragmentCount)
}

// Set adds or replaces a metadata field
func (f *Frame) Set(key Key, value string) {
	for i := range f.Fields {
		if f.Fields[i].Key == key {
			f.Fields[i].Value = value
			return
		}
	}
	f.Fields = append(f.Fields, Field{Key: key, Value: value})
}

// SetInt adds or replaces an integer field
func (f *Frame) SetInt(key Key, value int) {
	f.Set(key, strconv.Itoa(value))
}

// String formats the frame for the wire
func (f *Frame) String() string {
	var b strings.Builder
	for _, field := range f.Fields {
		b.WriteString(string(field.Key))
		b.WriteByte(':')
		b.WriteString(field.Value)
		b.WriteByte(';')
	}
	b.WriteString(f.Payload)
	return b.String()
}

// NewAck builds the acknowledgment frame for a message
func NewAck(messageID int, result Result) *Frame {
	f := &Frame{}
	f.SetInt(KeyMessageID, messageID)
	f.Set(KeyResult, string(result))
	return f
}

// FrameError describes why an inbound frame was rejected
type FrameError struct {
	Result    Result
	MessageID int
	HasID     bool
	Reason    string
}

func (e *FrameError) Error() string {
	if e.HasID {
		return fmt.Sprintf("wtlp: %s (message %d): %s", e.Result, e.MessageID, e.Reason)
	}
	return fmt.Sprintf("wtlp: %s: %s", e.Result, e.Reason)
}

// ParseFrame parses and validates wire text.
// Validation errors are returned as *FrameError carrying the message id when it could be read.
func ParseFrame(text string) (*Frame, error) {
	parts := strings.Split(text, ";")
	pairs, payload := parts[:len(parts)-1], parts[len(parts)-1]

	// the message id is recovered up front so rejections can reference it
	id, hasID := scanMessageID(pairs)
	reject := func(format string, args ...any) (*Frame, error) {
		return nil, &FrameError{
			Result:    ResultInvalidFormat,
			MessageID: id,
			HasID:     hasID,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	if len(pairs) == 0 {
		return reject("no metadata")
	}

	f := &Frame{Fields: make([]Field, 0, len(pairs)), Payload: payload}
	seen := make(map[Key]bool, len(pairs))
	for _, pair := range pairs {
		kv := strings.Split(pair, ":")
		if len(kv) != 2 || kv[0] == "" {
			return reject("malformed pair %q", pair)
		}

		key := Key(strings.ToLower(strings.TrimSpace(kv[0])))
		if !knownKeys[key] {
			return reject("unknown key %q", kv[0])
		}
		if seen[key] {
			return reject("duplicate key %q", key)
		}
		seen[key] = true

		value := strings.TrimSpace(kv[1])
		if err := validateValue(key, value); err != nil {
			return reject("%s: %v", key, err)
		}
		f.Fields = append(f.Fields, Field{Key: key, Value: value})
	}

	return f, nil
}

func validateValue(key Key, value string) error {
	switch key {
	case KeyMessageID, KeyGzip, KeyFragmentIndex, KeyFragmentCount:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer")
		}
		if n < 0 {
			return fmt.Errorf("negative value")
		}
	case KeyResult:
		if !Result(value).Valid() {
			return fmt.Errorf("unknown result %q", value)
		}
	case KeyEncryption:
		// unsupported algorithms are answered with encryption_error during decode
		if value == "" {
			return fmt.Errorf("empty value")
		}
	}
	return nil
}

func scanMessageID(pairs []string) (int, bool) {
	for _, pair := range pairs {
		kv := strings.Split(pair, ":")
		if len(kv) != 2 {
			continue
		}
		if Key(strings.ToLower(strings.TrimSpace(kv[0]))) != KeyMessageID {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
