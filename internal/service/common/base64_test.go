package common

import "testing"

func TestJSONTokenIsURLSafe(t *testing.T) {
	type payload struct {
		A string `json:"a"`
	}
	token, err := EncodeJSONToken(payload{A: "??>>//"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, r := range token {
		if r == '+' || r == '/' || r == '=' {
			t.Fatalf("token %q contains non url-safe rune %q", token, r)
		}
	}

	var out payload
	if err := DecodeJSONToken(token, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.A != "??>>//" {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestDecodeJSONTokenRejectsGarbage(t *testing.T) {
	var out map[string]string
	if err := DecodeJSONToken("%%%", &out); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if err := DecodeJSONToken(EncodeBase64([]byte("not json")), &out); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
