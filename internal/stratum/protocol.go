// Package stratum implements the client side of the Stratum mining protocol
// as spoken by Kaspa pools: line-delimited JSON-RPC over TCP with short-form
// mining.notify jobs and extranonce nonce partitioning.
package stratum

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Stratum method names
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "set_extranonce"
	MethodMiningSetExtranonce = "mining.set_extranonce"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// stratumJSON keeps numbers as json.Number so 64-bit header words survive
// decoding.
var stratumJSON = sonic.Config{UseNumber: true}.Froze()

// Message is a Stratum JSON-RPC line. Error is kept raw since pools send it
// either as [code, message, data] or as an object.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Notify is a short-form mining.notify job.
type Notify struct {
	JobID      string
	HeaderHash [4]uint64
	Timestamp  uint64
}

// Extranonce is the pool-assigned nonce prefix and the number of nonce
// bytes left to the miner.
type Extranonce struct {
	Value string
	Size  int
}

// ParseMessage parses one line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := stratumJSON.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := stratumJSON.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params ...any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// RequestID returns the numeric id of a response.
func (m *Message) RequestID() (uint64, bool) {
	if m.ID == nil {
		return 0, false
	}
	id, err := toUint64(m.ID)
	return id, err == nil
}

// IsNotification reports whether the message is a server-initiated call.
// Pools are inconsistent about ids on notifications, so any message with a
// method counts.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// StratumError decodes the error field, or returns nil when there is none.
func (m *Message) StratumError() *Error {
	switch v := m.Error.(type) {
	case nil:
		return nil
	case []any:
		e := &Error{Code: ErrorOther}
		if len(v) > 0 {
			if code, err := toInt64(v[0]); err == nil {
				e.Code = int(code)
			}
		}
		if len(v) > 1 {
			e.Message = fmt.Sprint(v[1])
		}
		if len(v) > 2 {
			e.Data = v[2]
		}
		return e
	case map[string]any:
		e := &Error{Code: ErrorOther, Data: v["data"]}
		if code, err := toInt64(v["code"]); err == nil {
			e.Code = int(code)
		}
		if msg, ok := v["message"].(string); ok {
			e.Message = msg
		}
		return e
	default:
		return &Error{Code: ErrorOther, Message: fmt.Sprint(v)}
	}
}

// ParseNotify parses short-form mining.notify params:
// [job id, [four u64 header hash words], timestamp].
func ParseNotify(params []any) (*Notify, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("insufficient notify parameters: %d", len(params))
	}

	jobID, err := toString(params[0])
	if err != nil {
		return nil, fmt.Errorf("job_id: %w", err)
	}

	words, ok := params[1].([]any)
	if !ok || len(words) != 4 {
		return nil, fmt.Errorf("header hash must be four u64 words")
	}

	n := &Notify{JobID: jobID}
	for i, w := range words {
		if n.HeaderHash[i], err = toUint64(w); err != nil {
			return nil, fmt.Errorf("header word %d: %w", i, err)
		}
	}

	if n.Timestamp, err = toUint64(params[2]); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	return n, nil
}

// ParseSetExtranonce parses [extranonce, size]. When the size is missing
// the extranonce is assumed to be a prefix of the 8-byte nonce.
func ParseSetExtranonce(params []any) (*Extranonce, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient set_extranonce parameters")
	}

	value, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce must be a string")
	}

	size := 8 - len(strings.TrimPrefix(value, "0x"))/2
	if len(params) > 1 && params[1] != nil {
		s, err := toInt64(params[1])
		if err != nil {
			return nil, fmt.Errorf("extranonce size: %w", err)
		}
		size = int(s)
	}
	return &Extranonce{Value: value, Size: size}, nil
}

// ParseSetDifficulty parses [difficulty].
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient set_difficulty parameters")
	}
	d, err := toFloat64(params[0])
	if err != nil {
		return 0, err
	}
	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, fmt.Errorf("invalid difficulty %v", d)
	}
	return d, nil
}

// ParseSubscribeResult extracts the extranonce from a subscribe result of
// the form [subscriptions, extranonce, size]. Pools that answer with a bare
// boolean send set_extranonce later; nil is returned for them.
func ParseSubscribeResult(result any) (*Extranonce, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return nil, nil
	}
	value, ok := arr[1].(string)
	if !ok {
		return nil, nil
	}
	size, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("extranonce size: %w", err)
	}
	return &Extranonce{Value: value, Size: int(size)}, nil
}

// Partition returns the nonce mask and fixed bits for e.
func (e *Extranonce) Partition() (mask, fixed uint64, err error) {
	return ExtranonceToPartition(e.Value, e.Size)
}

// ExtranonceToPartition places the pool's extranonce in the high bytes of
// the nonce and leaves the low size bytes to the miner.
func ExtranonceToPartition(extranonce string, size int) (mask, fixed uint64, err error) {
	if size < 0 || size > 8 {
		return 0, 0, fmt.Errorf("extranonce size %d out of range", size)
	}

	var value uint64
	if hex := strings.TrimPrefix(extranonce, "0x"); hex != "" {
		if value, err = strconv.ParseUint(hex, 16, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid extranonce %q: %w", extranonce, err)
		}
	}

	if size == 8 {
		if value != 0 {
			return 0, 0, fmt.Errorf("extranonce %q leaves no room in the nonce", extranonce)
		}
		return math.MaxUint64, 0, nil
	}

	bits := uint(size * 8)
	if bits > 0 && value>>(64-bits) != 0 {
		return 0, 0, fmt.Errorf("extranonce %q does not fit in %d bytes", extranonce, 8-size)
	}
	return (1 << bits) - 1, value << bits, nil
}

// FormatNonce renders a nonce for mining.submit.
func FormatNonce(nonce uint64) string {
	return fmt.Sprintf("%#016x", nonce)
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, fmt.Errorf("%v is not a u64", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%d is negative", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
