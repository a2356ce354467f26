package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/anvil-platform/conduit/plugin"
)

// ContentTypeHeader is set by codecs that know the resulting media type.
const ContentTypeHeader = "Content-Type"

type base64Codec struct{}

func (base64Codec) Name() string { return "base64" }

func (base64Codec) Marshal(_ context.Context, msg *plugin.Message) error {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(msg.Body)))
	base64.StdEncoding.Encode(out, msg.Body)
	msg.Body = out
	return nil
}

func (base64Codec) Unmarshal(_ context.Context, msg *plugin.Message) error {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(msg.Body)))
	n, err := base64.StdEncoding.Decode(out, bytes.TrimSpace(msg.Body))
	if err != nil {
		return fmt.Errorf("base64: %w", err)
	}
	msg.Body = out[:n]
	return nil
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Marshal(_ context.Context, msg *plugin.Message) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(msg.Body); err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	msg.Body = buf.Bytes()
	msg.SetHeader("Content-Encoding", "gzip")
	return nil
}

func (gzipCodec) Unmarshal(_ context.Context, msg *plugin.Message) error {
	zr, err := gzip.NewReader(bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	msg.Body = out
	delete(msg.Headers, "Content-Encoding")
	return nil
}

// stringCodec treats the body as UTF-8 text.
type stringCodec struct{}

func (stringCodec) Name() string { return "string" }

func (stringCodec) Marshal(_ context.Context, msg *plugin.Message) error {
	if _, ok := msg.Headers[ContentTypeHeader]; !ok {
		msg.SetHeader(ContentTypeHeader, "text/plain; charset=utf-8")
	}
	return nil
}

func (stringCodec) Unmarshal(_ context.Context, msg *plugin.Message) error {
	if !utf8.Valid(msg.Body) {
		return fmt.Errorf("string: body is not valid UTF-8")
	}
	return nil
}
