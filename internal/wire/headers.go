// Package wire builds the APNs HTTP/2 header block for one notification
// request and decodes the small JSON error envelope APNs replies with. It
// knows nothing about connections, streams, or pooling — just the bytes of
// one request/response pair.
package wire

import (
	"bytes"
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// Request carries everything needed to build the HEADERS block for one
// notification. It is the wire-level projection of apns.PushNotification —
// deliberately independent of that type so this package has no dependency
// on the top-level apns package.
type Request struct {
	Authority    string
	DeviceToken  string
	Topic        string
	ApnsID       string
	CollapseID   string
	PushType     string
	ChannelID    string
	Expiration   int64 // seconds; always sent, 0 means "discard if undelivered"
	HasExpiration bool
	Priority     int // 0 means omit the header
	BearerToken  string // empty for TLS-certificate auth
}

// Path returns the APNs request path for the device token.
func Path(deviceToken string) string {
	return "/3/device/" + deviceToken
}

// EncodeHeaders writes the pseudo-headers and APNs headers for req as an
// HTTP/2 header block fragment, ready to hand to an hpack encoder's output
// buffer (the caller owns the *hpack.Encoder so multiple requests on the
// same connection share its dynamic table).
func EncodeHeaders(enc *hpack.Encoder, req Request) error {
	write := func(name, value string) error {
		return enc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}

	fields := [][2]string{
		{":method", "POST"},
		{":scheme", "https"},
		{":authority", req.Authority},
		{":path", Path(req.DeviceToken)},
	}
	for _, f := range fields {
		if err := write(f[0], f[1]); err != nil {
			return err
		}
	}

	exp := int64(0)
	if req.HasExpiration {
		exp = req.Expiration
	}
	if err := write("apns-expiration", strconv.FormatInt(exp, 10)); err != nil {
		return err
	}
	if req.Priority != 0 {
		if err := write("apns-priority", strconv.Itoa(req.Priority)); err != nil {
			return err
		}
	}
	if req.Topic != "" {
		if err := write("apns-topic", req.Topic); err != nil {
			return err
		}
	}
	if req.CollapseID != "" {
		if err := write("apns-collapse-id", req.CollapseID); err != nil {
			return err
		}
	}
	if req.PushType != "" {
		if err := write("apns-push-type", req.PushType); err != nil {
			return err
		}
	}
	if req.ApnsID != "" {
		if err := write("apns-id", req.ApnsID); err != nil {
			return err
		}
	}
	if req.ChannelID != "" {
		if err := write("apns-channel-id", req.ChannelID); err != nil {
			return err
		}
	}
	if req.BearerToken != "" {
		if err := write("authorization", "bearer "+req.BearerToken); err != nil {
			return err
		}
	}
	return nil
}

// DecodeHeaderBlock decodes a complete HPACK header block fragment into an
// ordered list of fields, using dec (which owns the connection's dynamic
// table).
func DecodeHeaderBlock(dec *hpack.Decoder, block []byte) ([]hpack.HeaderField, error) {
	var fields []hpack.HeaderField
	dec.SetEmitFunc(func(f hpack.HeaderField) {
		fields = append(fields, f)
	})
	defer dec.SetEmitFunc(nil)

	if _, err := dec.Write(block); err != nil {
		return nil, err
	}
	return fields, nil
}

// HeaderValue returns the value of the first field named name, and whether
// it was present.
func HeaderValue(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// NewEncoderBuffer returns an hpack.Encoder writing into buf, the pattern
// used by every caller in this package: encode into a scratch buffer, then
// hand its bytes to an http2.Framer.WriteHeaders call.
func NewEncoderBuffer() (*bytes.Buffer, *hpack.Encoder) {
	var buf bytes.Buffer
	return &buf, hpack.NewEncoder(&buf)
}
