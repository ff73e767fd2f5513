package mock

import (
	"crypto/tls"
	"encoding/asn1"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/kestrelpush/apns"
	"github.com/kestrelpush/apns/internal/wire"
)

const maxPayloadBytes = 4096

// oidUID is the userid attribute (0.9.2342.19200300.100.1.1) APNs client
// certificates carry their topic in.
var oidUID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// serverConn is the per-connection state a single serveConn goroutine owns
// exclusively — no locking needed since nothing else ever touches it.
type serverConn struct {
	server *Server

	framer *http2.Framer
	enc    *hpack.Encoder
	encBuf interface {
		Bytes() []byte
		Reset()
	}

	// certAuth is true when this connection authenticated with a TLS
	// client certificate and false for bearer-JWT (token) auth. certTopic
	// holds the base topic extracted from the certificate, only set when
	// certAuth is true.
	certAuth        bool
	certTopic       string
	expectedTeamID  string
	haveExpectedTID bool
}

func (s *Server) serveConn(raw net.Conn) {
	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		raw.Close()
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return
	}
	defer tlsConn.Close()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(tlsConn, preface); err != nil || string(preface) != http2.ClientPreface {
		return
	}

	framer := http2.NewFramer(tlsConn, tlsConn)
	dec := hpack.NewDecoder(4096, nil)
	framer.ReadMetaHeaders = dec
	buf, enc := wire.NewEncoderBuffer()

	if err := framer.WriteSettings(); err != nil {
		return
	}

	conn := &serverConn{server: s, framer: framer, enc: enc, encBuf: buf}
	conn.classifyAuth(tlsConn)

	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			if err := framer.WriteSettingsAck(); err != nil {
				return
			}
		case *http2.PingFrame:
			if f.IsAck() {
				continue
			}
			if err := framer.WritePing(true, f.Data); err != nil {
				return
			}
		case *http2.MetaHeadersFrame:
			if err := conn.handleRequest(f); err != nil {
				return
			}
		}
	}
}

// classifyAuth inspects the peer certificate (if any) presented during the
// handshake and extracts the base topic from its subject's UID attribute.
// A connection with no peer certificate is token-auth only.
func (c *serverConn) classifyAuth(tlsConn *tls.Conn) {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return
	}
	cert := state.PeerCertificates[0]
	for _, atv := range cert.Subject.Names {
		if atv.Type.Equal(oidUID) {
			if s, ok := atv.Value.(string); ok {
				c.certAuth = true
				c.certTopic = s
				return
			}
		}
	}
}

// readBody drains DATA frames for the stream f opened until END_STREAM,
// since HEADERS and body may arrive as separate frames. Requests are
// handled strictly one at a time per connection (the client this library
// ships never pipelines more than one in-flight stream per connection —
// see Client.Send), so a single accumulation buffer per call is enough.
func (c *serverConn) readBody(f *http2.MetaHeadersFrame) ([]byte, error) {
	if f.StreamEnded() {
		return nil, nil
	}
	var body []byte
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return nil, err
		}
		df, ok := frame.(*http2.DataFrame)
		if !ok {
			continue
		}
		body = append(body, df.Data()...)
		if df.StreamEnded() {
			return body, nil
		}
	}
}

func (c *serverConn) handleRequest(f *http2.MetaHeadersFrame) error {
	streamID := f.StreamID
	fields := f.Fields
	body, err := c.readBody(f)
	if err != nil {
		return err
	}

	if c.server.emulateInternalErrors {
		return c.writeResponse(streamID, 500, "", nil)
	}

	apnsID, _ := wire.HeaderValue(fields, "apns-id")
	if apnsID == "" {
		apnsID = uuid.NewString()
	}

	ok, status, reason, timestamp := c.validate(fields, body, f.StreamEnded())
	if ok {
		return c.writeAccept(streamID, apnsID)
	}
	return c.writeReject(streamID, apnsID, status, reason, timestamp)
}

// validate runs the gateway's ordered validation checks and reports either
// acceptance or the first rejection reason encountered.
func (c *serverConn) validate(fields []hpack.HeaderField, body []byte, emptyBody bool) (ok bool, status int, reason apns.RejectionReason, timestampMillis int64) {
	method, _ := wire.HeaderValue(fields, ":method")
	if method != "POST" {
		return false, apns.StatusForReason(apns.ReasonMethodNotAllowed), apns.ReasonMethodNotAllowed, 0
	}
	if emptyBody || len(body) == 0 {
		return false, apns.StatusForReason(apns.ReasonPayloadEmpty), apns.ReasonPayloadEmpty, 0
	}

	path, _ := wire.HeaderValue(fields, ":path")
	token := strings.TrimPrefix(path, "/3/device/")
	if !strings.HasPrefix(path, "/3/device/") || token == "" {
		return false, apns.StatusForReason(apns.ReasonBadPath), apns.ReasonBadPath, 0
	}

	topic, hasTopic := wire.HeaderValue(fields, "apns-topic")

	if !isHexDeviceToken(token) {
		return false, apns.StatusForReason(apns.ReasonBadDeviceToken), apns.ReasonBadDeviceToken, 0
	}
	rec, registered := c.server.reg.deviceToken(topic, token)
	if !registered {
		return false, apns.StatusForReason(apns.ReasonDeviceTokenNotForTopic), apns.ReasonDeviceTokenNotForTopic, 0
	}
	if rec.expiration != nil {
		return false, apns.StatusForReason(apns.ReasonUnregistered), apns.ReasonUnregistered, rec.expiration.UnixMilli()
	}

	if !hasTopic || topic == "" {
		return false, apns.StatusForReason(apns.ReasonMissingTopic), apns.ReasonMissingTopic, 0
	}

	if p, present := wire.HeaderValue(fields, "apns-priority"); present {
		n, err := strconv.Atoi(p)
		if err != nil || (n != 1 && n != 5 && n != 10) {
			return false, apns.StatusForReason(apns.ReasonBadPriority), apns.ReasonBadPriority, 0
		}
	}

	if id, present := wire.HeaderValue(fields, "apns-id"); present {
		if _, err := uuid.Parse(id); err != nil {
			return false, apns.StatusForReason(apns.ReasonBadMessageID), apns.ReasonBadMessageID, 0
		}
	}

	if len(body) > maxPayloadBytes {
		return false, apns.StatusForReason(apns.ReasonPayloadTooLarge), apns.ReasonPayloadTooLarge, 0
	}

	if c.certAuth {
		allowed := map[string]bool{
			c.certTopic:                  true,
			c.certTopic + ".voip":         true,
			c.certTopic + ".complication": true,
		}
		if !allowed[topic] {
			return false, apns.StatusForReason(apns.ReasonBadTopic), apns.ReasonBadTopic, 0
		}
		return true, 0, "", 0
	}

	return c.validateProviderToken(fields, topic)
}

func (c *serverConn) validateProviderToken(fields []hpack.HeaderField, topic string) (ok bool, status int, reason apns.RejectionReason, timestampMillis int64) {
	auth, present := wire.HeaderValue(fields, "authorization")
	bearer := strings.TrimPrefix(auth, "bearer ")
	if !present || bearer == "" || bearer == auth {
		return false, apns.StatusForReason(apns.ReasonMissingProviderToken), apns.ReasonMissingProviderToken, 0
	}

	var keyID string
	keyFunc := func(t *jwtlib.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		keyID = kid
		vk, found := c.server.reg.verificationKey(kid)
		if !found {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return vk.PublicKey, nil
	}
	parsed, err := jwtlib.Parse(bearer, keyFunc, jwtlib.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return false, apns.StatusForReason(apns.ReasonInvalidProviderToken), apns.ReasonInvalidProviderToken, 0
	}

	claims, _ := parsed.Claims.(jwtlib.MapClaims)
	iss, _ := claims["iss"].(string)
	iatVal, _ := claims["iat"].(float64)
	iat := time.Unix(int64(iatVal), 0)
	if time.Since(iat) > 60*time.Minute {
		return false, apns.StatusForReason(apns.ReasonExpiredProviderToken), apns.ReasonExpiredProviderToken, 0
	}

	if c.haveExpectedTID && c.expectedTeamID != iss {
		return false, apns.StatusForReason(apns.ReasonInvalidProviderToken), apns.ReasonInvalidProviderToken, 0
	}
	c.expectedTeamID = iss
	c.haveExpectedTID = true

	if !c.server.reg.topicAllowed(keyID, topic) {
		return false, apns.StatusForReason(apns.ReasonInvalidProviderToken), apns.ReasonInvalidProviderToken, 0
	}

	return true, 0, "", 0
}

func isHexDeviceToken(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func (c *serverConn) writeAccept(streamID uint32, apnsID string) error {
	c.encBuf.Reset()
	for _, f := range [][2]string{
		{":status", "200"},
		{"apns-id", apnsID},
	} {
		if err := c.enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			return err
		}
	}
	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.encBuf.Bytes(),
		EndStream:     true,
		EndHeaders:    true,
	})
}

func (c *serverConn) writeReject(streamID uint32, apnsID string, status int, reason apns.RejectionReason, timestampMillis int64) error {
	body, err := wire.EncodeErrorBody(wire.ErrorBody{Reason: string(reason), Timestamp: timestampMillis})
	if err != nil {
		return err
	}
	return c.writeResponse(streamID, status, apnsID, body)
}

// writeResponse writes a HEADERS+DATA pair for a non-200 response. apnsID
// may be empty (the emulate_internal_errors path omits it); body may be
// nil (a bare 500 has no body).
func (c *serverConn) writeResponse(streamID uint32, status int, apnsID string, body []byte) error {
	c.encBuf.Reset()
	write := func(name, value string) error {
		return c.enc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	if err := write(":status", strconv.Itoa(status)); err != nil {
		return err
	}
	if apnsID != "" {
		if err := write("apns-id", apnsID); err != nil {
			return err
		}
	}
	if len(body) > 0 {
		if err := write("content-type", "application/json"); err != nil {
			return err
		}
	}
	endStream := len(body) == 0
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.encBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}); err != nil {
		return err
	}
	if endStream {
		return nil
	}
	return c.framer.WriteData(streamID, true, body)
}
