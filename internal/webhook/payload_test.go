package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
)

func TestBuildPayload_JSON(t *testing.T) {
	p, err := BuildPayload("BTC going up", "telegram:-100123", PayloadOptions{
		Mode:        "json",
		Key:         "signal",
		IncludeMeta: true,
	})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if !strings.HasPrefix(p.ContentType, "application/json") {
		t.Errorf("content type = %q, want application/json", p.ContentType)
	}

	var got map[string]string
	if err := json.Unmarshal(p.Body, &got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got["signal"] != "BTC going up" {
		t.Errorf("signal field = %q", got["signal"])
	}
	if got["content"] != "BTC going up" {
		t.Errorf("content alias = %q", got["content"])
	}
	if got["meta"] != "telegram:-100123" {
		t.Errorf("meta = %q", got["meta"])
	}
}

func TestBuildPayload_JSONWithoutMeta(t *testing.T) {
	p, err := BuildPayload("hello", "telegram:-100123", PayloadOptions{Mode: "json"})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(p.Body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["text"] != "hello" {
		t.Errorf("default key text = %q", got["text"])
	}
	if _, ok := got["meta"]; ok {
		t.Error("meta should be omitted when IncludeMeta is false")
	}
}

func TestBuildPayload_ContentKeyNoAlias(t *testing.T) {
	p, err := BuildPayload("hi", "", PayloadOptions{Mode: "json", Key: "content"})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(p.Body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got["content"] != "hi" {
		t.Errorf("expected single content field, got %v", got)
	}
}

func TestBuildPayload_Form(t *testing.T) {
	p, err := BuildPayload("a b&c", "src", PayloadOptions{Mode: "form", IncludeMeta: true})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if !strings.HasPrefix(p.ContentType, "application/x-www-form-urlencoded") {
		t.Errorf("content type = %q", p.ContentType)
	}

	vals, err := url.ParseQuery(string(p.Body))
	if err != nil {
		t.Fatalf("parse form body: %v", err)
	}
	if vals.Get("text") != "a b&c" {
		t.Errorf("text = %q", vals.Get("text"))
	}
	if vals.Get("meta") != "src" {
		t.Errorf("meta = %q", vals.Get("meta"))
	}
}

func TestBuildPayload_Text(t *testing.T) {
	content := "line one\nline two 🚀"
	p, err := BuildPayload(content, "ignored", PayloadOptions{Mode: "text", IncludeMeta: true})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if string(p.Body) != content {
		t.Errorf("text body must carry the message verbatim, got %q", p.Body)
	}
	if !strings.HasPrefix(p.ContentType, "text/plain") {
		t.Errorf("content type = %q", p.ContentType)
	}
}

func TestBuildPayload_UnknownMode(t *testing.T) {
	if _, err := BuildPayload("x", "", PayloadOptions{Mode: "xml"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestPayload_Sign(t *testing.T) {
	p := &Payload{Body: []byte(`{"text":"hello"}`)}
	sig := p.Sign("topsecret")

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(p.Body)
	want := hex.EncodeToString(mac.Sum(nil))

	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
	if p.Sign("topsecret") != sig {
		t.Error("signing must be deterministic")
	}
	if p.Sign("other") == sig {
		t.Error("different secrets must yield different signatures")
	}
}
