package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "gpsflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"id":1}`)) {
		t.Fatalf("expected object to be valid")
	}
	if Valid([]byte(`{"id":`)) {
		t.Fatalf("expected truncated object to be invalid")
	}
	if Valid([]byte(`not json`)) {
		t.Fatalf("expected plain text to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded, true); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	body := `{"id":1,"name":"a","extra":true}`

	var lenient testPayload
	if err := Decode(strings.NewReader(body), &lenient, false); err != nil {
		t.Fatalf("lenient decode failed: %v", err)
	}

	var strict testPayload
	if err := Decode(strings.NewReader(body), &strict, true); err == nil {
		t.Fatalf("expected strict decode to reject unknown field")
	}
}
