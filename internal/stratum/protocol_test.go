package stratum

import (
	"encoding/json"
	"math"
	"strconv"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantMethod string
		wantID     uint64
		hasID      bool
		wantErr    bool
	}{
		{
			name:       "request",
			data:       `{"id":1,"method":"mining.subscribe","params":["kminer/1.0"]}`,
			wantMethod: MethodSubscribe,
			wantID:     1,
			hasID:      true,
		},
		{
			name:   "response",
			data:   `{"id":18446744073709551615,"result":true,"error":null}`,
			wantID: math.MaxUint64,
			hasID:  true,
		},
		{
			name:       "notification",
			data:       `{"id":null,"method":"mining.notify","params":["1a",[1,2,3,4],1700000000000]}`,
			wantMethod: MethodNotify,
		},
		{
			name:    "invalid json",
			data:    `{invalid json}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", msg.Method, tt.wantMethod)
			}
			if msg.IsNotification() != (tt.wantMethod != "") {
				t.Errorf("IsNotification() = %v", msg.IsNotification())
			}
			id, ok := msg.RequestID()
			if ok != tt.hasID || id != tt.wantID {
				t.Errorf("RequestID() = %d, %v, want %d, %v", id, ok, tt.wantID, tt.hasID)
			}
		})
	}
}

func TestMarshalRequest(t *testing.T) {
	data, err := MarshalMessage(NewRequest(7, MethodSubmit, "kaspa:addr", "1a", FormatNonce(0x10)))
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["id"] != float64(7) || decoded["method"] != MethodSubmit {
		t.Errorf("decoded = %v", decoded)
	}
	params, _ := decoded["params"].([]any)
	if len(params) != 3 || params[1] != "1a" {
		t.Errorf("params = %v", params)
	}

	data, err = MarshalMessage(NewRequest(1, MethodSubscribe))
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}
	var bare map[string]any
	if err := json.Unmarshal(data, &bare); err != nil {
		t.Fatal(err)
	}
	if _, ok := bare["params"]; ok {
		t.Errorf("empty params should be omitted, got %s", data)
	}
}

func TestStratumError(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantNil  bool
		wantCode int
		wantMsg  string
	}{
		{"no error", `{"id":3,"result":true,"error":null}`, true, 0, ""},
		{"array", `{"id":3,"result":null,"error":[21,"Job not found",null]}`, false, ErrorJobNotFound, "Job not found"},
		{"object", `{"id":3,"result":null,"error":{"code":23,"message":"Low difficulty"}}`, false, ErrorLowDifficulty, "Low difficulty"},
		{"bare string", `{"id":3,"result":null,"error":"boom"}`, false, ErrorOther, "boom"},
		{"empty array", `{"id":3,"error":[]}`, false, ErrorOther, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			serr := msg.StratumError()
			if tt.wantNil {
				if serr != nil {
					t.Errorf("StratumError() = %v, want nil", serr)
				}
				return
			}
			if serr == nil {
				t.Fatal("StratumError() = nil")
			}
			if serr.Code != tt.wantCode || serr.Message != tt.wantMsg {
				t.Errorf("StratumError() = %d %q, want %d %q", serr.Code, serr.Message, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestParseNotify(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":null,"method":"mining.notify","params":["job7",[1,18446744073709551615,3,4],1700000000000]}`))
	if err != nil {
		t.Fatal(err)
	}

	n, err := ParseNotify(msg.Params)
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	if n.JobID != "job7" || n.Timestamp != 1700000000000 {
		t.Errorf("ParseNotify() = %+v", n)
	}
	if n.HeaderHash != [4]uint64{1, math.MaxUint64, 3, 4} {
		t.Errorf("HeaderHash = %v", n.HeaderHash)
	}

	bad := []string{
		`["job7",[1,2,3],1]`,
		`["job7","deadbeef",1]`,
		`["job7",[1,2,3,-4],1]`,
		`["job7",[1,2,3,4]]`,
		`[["x"],[1,2,3,4],1]`,
	}
	for _, params := range bad {
		msg, err := ParseMessage([]byte(`{"method":"mining.notify","params":` + params + `}`))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseNotify(msg.Params); err == nil {
			t.Errorf("ParseNotify(%s) should fail", params)
		}
	}
}

func TestParseSetExtranonce(t *testing.T) {
	tests := []struct {
		params   []any
		wantSize int
		wantErr  bool
	}{
		{[]any{"0a0b", json.Number("6")}, 6, false},
		{[]any{"0a0b"}, 6, false},
		{[]any{"0a0b0c", nil}, 5, false},
		{[]any{}, 0, true},
		{[]any{json.Number("10")}, 0, true},
	}

	for _, tt := range tests {
		ext, err := ParseSetExtranonce(tt.params)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSetExtranonce(%v) error = %v", tt.params, err)
			continue
		}
		if !tt.wantErr && ext.Size != tt.wantSize {
			t.Errorf("ParseSetExtranonce(%v) size = %d, want %d", tt.params, ext.Size, tt.wantSize)
		}
	}
}

func TestParseSetDifficulty(t *testing.T) {
	tests := []struct {
		params  []any
		want    float64
		wantErr bool
	}{
		{[]any{json.Number("4")}, 4, false},
		{[]any{0.5}, 0.5, false},
		{[]any{json.Number("0")}, 0, true},
		{[]any{json.Number("-1")}, 0, true},
		{[]any{"abc"}, 0, true},
		{nil, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSetDifficulty(tt.params)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSetDifficulty(%v) = %v, %v", tt.params, got, err)
		}
	}
}

func TestParseSubscribeResult(t *testing.T) {
	ext, err := ParseSubscribeResult([]any{true, "beef", json.Number("6")})
	if err != nil || ext == nil {
		t.Fatalf("ParseSubscribeResult() = %v, %v", ext, err)
	}
	if ext.Value != "beef" || ext.Size != 6 {
		t.Errorf("ext = %+v", ext)
	}

	for _, result := range []any{true, nil, []any{true}, []any{true, nil, json.Number("4")}} {
		ext, err := ParseSubscribeResult(result)
		if ext != nil || err != nil {
			t.Errorf("ParseSubscribeResult(%v) = %v, %v, want nil, nil", result, ext, err)
		}
	}

	if _, err := ParseSubscribeResult([]any{true, "beef", "six"}); err == nil {
		t.Error("expected error for non-numeric size")
	}
}

func TestExtranonceToPartition(t *testing.T) {
	tests := []struct {
		name       string
		extranonce string
		size       int
		wantMask   uint64
		wantFixed  uint64
		wantErr    bool
	}{
		{"six byte space", "0a0b", 6, 1<<48 - 1, 0x0a0b << 48, false},
		{"hex prefix", "0x0a0b", 6, 1<<48 - 1, 0x0a0b << 48, false},
		{"four bytes each", "deadbeef", 4, 0xffffffff, 0xdeadbeef << 32, false},
		{"no extranonce", "", 8, math.MaxUint64, 0, false},
		{"pool owns all", "0102030405060708", 0, 0, 0x0102030405060708, false},
		{"too wide", "010203", 6, 0, 0, true},
		{"nonzero with full space", "01", 8, 0, 0, true},
		{"negative size", "01", -1, 0, 0, true},
		{"oversized", "", 9, 0, 0, true},
		{"not hex", "zz", 7, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, fixed, err := ExtranonceToPartition(tt.extranonce, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if mask != tt.wantMask || fixed != tt.wantFixed {
				t.Errorf("got mask %#x fixed %#x, want %#x %#x", mask, fixed, tt.wantMask, tt.wantFixed)
			}
			if mask&fixed != 0 {
				t.Errorf("mask %#x overlaps fixed %#x", mask, fixed)
			}
		})
	}
}

func TestFormatNonce(t *testing.T) {
	for _, nonce := range []uint64{0, 1, 0xdeadbeef, math.MaxUint64} {
		s := FormatNonce(nonce)
		if len(s) < 3 || s[:2] != "0x" {
			t.Fatalf("FormatNonce(%d) = %q, want 0x prefix", nonce, s)
		}
		got, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil || got != nonce {
			t.Errorf("FormatNonce(%d) = %q, parses back to %d, %v", nonce, s, got, err)
		}
	}
}

func TestShareStatsString(t *testing.T) {
	s := NewShareStats()
	if got := s.String(); got != "Shares: Pending: 0" {
		t.Errorf("String() = %q", got)
	}

	s.Accepted.Add(12)
	s.Stale.Add(1)
	s.addPending(5, pendingShare{jobID: "a"})
	if got, want := s.String(), "Shares: Accepted: 12 Stale: 1 Pending: 1"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if p, ok := s.takePending(5); !ok || p.jobID != "a" {
		t.Errorf("takePending(5) = %+v, %v", p, ok)
	}
	if _, ok := s.takePending(5); ok {
		t.Error("a share must be taken only once")
	}

	s.addPending(6, pendingShare{})
	s.addPending(7, pendingShare{})
	if n := s.dropPending(); n != 2 || s.Pending() != 0 {
		t.Errorf("dropPending() = %d, Pending() = %d", n, s.Pending())
	}
}
