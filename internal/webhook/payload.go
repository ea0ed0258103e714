// Package webhook prepares and delivers signed HTTP payloads to the
// configured downstream endpoint.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
)

// PayloadOptions selects the wire encoding for outgoing deliveries.
type PayloadOptions struct {
	Mode        string // json | form | text
	Key         string // primary payload key, default "text"
	IncludeMeta bool
}

// Payload is a fully prepared request body. Signatures are computed over
// Body exactly as it will be sent; nothing may re-encode it afterwards.
type Payload struct {
	Body        []byte
	ContentType string
}

// BuildPayload encodes text (and optional meta) according to opts.
//
// json and form modes always carry the text under a "content" key as well,
// so receivers can read a stable field regardless of the configured key.
// text mode sends the bytes untouched.
func BuildPayload(text, meta string, opts PayloadOptions) (*Payload, error) {
	key := opts.Key
	if key == "" {
		key = "text"
	}

	switch opts.Mode {
	case "", "json":
		fields := map[string]string{key: text}
		if key != "content" {
			fields["content"] = text
		}
		if opts.IncludeMeta && meta != "" {
			fields["meta"] = meta
		}
		body, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode json payload: %w", err)
		}
		return &Payload{Body: body, ContentType: "application/json; charset=utf-8"}, nil

	case "form":
		form := url.Values{key: {text}}
		if key != "content" {
			form.Set("content", text)
		}
		if opts.IncludeMeta && meta != "" {
			form.Set("meta", meta)
		}
		return &Payload{
			Body:        []byte(form.Encode()),
			ContentType: "application/x-www-form-urlencoded",
		}, nil

	case "text":
		return &Payload{Body: []byte(text), ContentType: "text/plain; charset=utf-8"}, nil

	default:
		return nil, fmt.Errorf("unknown payload mode %q", opts.Mode)
	}
}

// Sign returns the lowercase hex HMAC-SHA256 of the body under secret.
func (p *Payload) Sign(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(p.Body)
	return hex.EncodeToString(mac.Sum(nil))
}
