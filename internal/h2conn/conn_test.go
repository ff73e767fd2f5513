package h2conn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/kestrelpush/apns/internal/jwt"
)

// testPeer is the server half of an in-memory TLS+HTTP/2 connection used to
// exercise Conn without a real network or a live gateway.
type testPeer struct {
	t      *testing.T
	conn   net.Conn
	framer *http2.Framer
	enc    *hpack.Encoder
	encBuf *bytesBuf
	dec    *hpack.Decoder
}

// bytesBuf is the minimal scratch buffer hpack.NewEncoder needs; defined
// locally so this file has no dependency on the wire package's helper.
type bytesBuf struct{ b []byte }

func (b *bytesBuf) Write(p []byte) (int, error) { b.b = append(b.b, p...); return len(p), nil }
func (b *bytesBuf) Bytes() []byte                { return b.b }
func (b *bytesBuf) Reset()                       { b.b = b.b[:0] }

func newSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-gateway"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"test-gateway"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// dialTestConn starts a Conn against an in-process server goroutine running
// serve, returning the Conn and the peer for the test body to continue
// driving. It fails the test if the handshake/SETTINGS exchange does not
// complete within a few seconds.
func dialTestConn(t *testing.T, cfgMod func(*Config), serve func(p *testPeer)) *Conn {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	cert := newSelfSignedCert(t)

	peerReady := make(chan *testPeer, 1)
	go func() {
		srv := tls.Server(serverRaw, &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h2"}})
		if err := srv.Handshake(); err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		p := &testPeer{t: t, conn: srv, framer: http2.NewFramer(srv, srv)}
		p.dec = hpack.NewDecoder(4096, nil)
		p.framer.ReadMetaHeaders = p.dec
		p.encBuf = &bytesBuf{}
		p.enc = hpack.NewEncoder(p.encBuf)

		// Read and discard the client connection preface.
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := readFull(srv, preface); err != nil {
			t.Errorf("reading preface: %v", err)
			return
		}

		// Client's initial SETTINGS frame.
		if _, err := p.framer.ReadFrame(); err != nil {
			t.Errorf("reading client settings: %v", err)
			return
		}
		if err := p.framer.WriteSettings(); err != nil {
			t.Errorf("writing settings: %v", err)
			return
		}
		if err := p.framer.WriteSettingsAck(); err != nil {
			t.Errorf("writing settings ack: %v", err)
			return
		}
		peerReady <- p
		if serve != nil {
			serve(p)
		}
	}()

	cfg := Config{
		Authority: "test-gateway",
		Dial:      func(ctx context.Context) (net.Conn, error) { return clientRaw, nil },
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(conn.Close)

	select {
	case <-peerReady:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake never completed")
	}
	return conn
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// respondOK writes a 200 HEADERS frame with END_STREAM for streamID,
// carrying apnsID as the apns-id header, or no apns-id header at all if
// apnsID is empty (leaving the client to synthesize one).
func (p *testPeer) respondOK(streamID uint32, apnsID string) {
	p.encBuf.Reset()
	p.enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
	if apnsID != "" {
		p.enc.WriteField(hpack.HeaderField{Name: "apns-id", Value: apnsID})
	}
	p.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: append([]byte(nil), p.encBuf.Bytes()...),
		EndStream:     true,
		EndHeaders:    true,
	})
}

// respondRejected writes a non-200 HEADERS (no END_STREAM) followed by a
// DATA frame carrying the JSON error body, matching how APNs splits the
// reply across two frames.
func (p *testPeer) respondRejected(streamID uint32, status int, reason string) {
	p.encBuf.Reset()
	p.enc.WriteField(hpack.HeaderField{Name: ":status", Value: itoa(status)})
	p.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: append([]byte(nil), p.encBuf.Bytes()...),
		EndStream:     false,
		EndHeaders:    true,
	})
	body, _ := json.Marshal(map[string]string{"reason": reason})
	p.framer.WriteData(streamID, true, body)
}

func (p *testPeer) refuseStream(streamID uint32) {
	p.framer.WriteRSTStream(streamID, http2.ErrCodeRefusedStream)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func fieldValue(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func nextClientHeadersStream(p *testPeer) (*http2.MetaHeadersFrame, error) {
	for {
		f, err := p.framer.ReadFrame()
		if err != nil {
			return nil, err
		}
		if mh, ok := f.(*http2.MetaHeadersFrame); ok {
			return mh, nil
		}
		if _, ok := f.(*http2.DataFrame); ok {
			continue
		}
	}
}

func TestDialReachesReady(t *testing.T) {
	conn := dialTestConn(t, nil, nil)
	if got := conn.State(); got != Ready {
		t.Fatalf("state = %v, want Ready", got)
	}
}

func TestSubmitAccepted(t *testing.T) {
	conn := dialTestConn(t, nil, func(p *testPeer) {
		hf, err := nextClientHeadersStream(p)
		if err != nil {
			return
		}
		p.respondOK(hf.StreamID, "")
	})

	result := <-conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Accepted {
		t.Fatalf("expected accepted, got %+v", result)
	}
	if result.ApnsID == "" {
		t.Fatalf("expected a synthesized apns-id")
	}
}

func TestSubmitRejectedWithReason(t *testing.T) {
	conn := dialTestConn(t, nil, func(p *testPeer) {
		hf, err := nextClientHeadersStream(p)
		if err != nil {
			return
		}
		p.respondRejected(hf.StreamID, 410, "Unregistered")
	})

	result := <-conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.Reason != "Unregistered" {
		t.Fatalf("reason = %q, want Unregistered", result.Reason)
	}
}

func TestRefusedStreamIsRetriedTransparently(t *testing.T) {
	attempt := 0
	conn := dialTestConn(t, nil, func(p *testPeer) {
		for i := 0; i < 2; i++ {
			hf, err := nextClientHeadersStream(p)
			if err != nil {
				return
			}
			attempt++
			if attempt == 1 {
				p.refuseStream(hf.StreamID)
				continue
			}
			p.respondOK(hf.StreamID, "resent-id")
		}
	})

	result := <-conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Accepted || result.ApnsID != "resent-id" {
		t.Fatalf("expected transparent retry to succeed, got %+v", result)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempt)
	}
}

func TestExpiredProviderTokenRetriesWithFreshToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	minter := jwt.NewMinter(jwt.SigningKey{KeyID: "KEYID1", TeamID: "TEAM1", PrivateKey: key}, nil)

	var tokens []string
	conn := dialTestConn(t, func(cfg *Config) {
		cfg.Minter = minter
	}, func(p *testPeer) {
		for i := 0; i < 2; i++ {
			hf, err := nextClientHeadersStream(p)
			if err != nil {
				return
			}
			tokens = append(tokens, fieldValue(hf.Fields, "authorization"))
			if i == 0 {
				p.respondRejected(hf.StreamID, 403, "ExpiredProviderToken")
				continue
			}
			p.respondOK(hf.StreamID, "retried-id")
		}
	})

	result := <-conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Accepted || result.ApnsID != "retried-id" {
		t.Fatalf("expected the retry to succeed, got %+v", result)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", len(tokens))
	}
	if tokens[0] == "" || tokens[1] == "" {
		t.Fatalf("expected both attempts to carry a bearer token, got %q and %q", tokens[0], tokens[1])
	}
	if tokens[0] == tokens[1] {
		t.Fatal("expected the retry to mint a fresh token instead of reusing the rejected one")
	}
}

func TestGoAwayDrainsInFlightStreamBeforeClosing(t *testing.T) {
	unblock := make(chan struct{})
	conn := dialTestConn(t, nil, func(p *testPeer) {
		hf, err := nextClientHeadersStream(p)
		if err != nil {
			return
		}
		if err := p.framer.WriteGoAway(hf.StreamID, http2.ErrCodeNo, nil); err != nil {
			t.Errorf("WriteGoAway: %v", err)
			return
		}
		<-unblock
		p.respondOK(hf.StreamID, "goaway-id")
	})

	result := conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})

	// Give the GOAWAY time to be processed, then confirm the in-flight
	// stream was not torn down — only new submits are refused while
	// draining.
	time.Sleep(100 * time.Millisecond)
	if conn.State() == Closed {
		t.Fatal("connection closed before its in-flight stream finished draining")
	}
	second := conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	if r := <-second; r.Err == nil {
		t.Fatal("expected a new submit to be refused once the connection is draining")
	}

	close(unblock)
	select {
	case r := <-result:
		if r.Err != nil || !r.Accepted {
			t.Fatalf("expected the draining stream to finish successfully, got %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("result never delivered for the draining stream")
	}

	select {
	case <-conn.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never closed once draining finished")
	}
}

func TestIdlePingIsAcknowledgedAndConnectionStaysReady(t *testing.T) {
	conn := dialTestConn(t, func(cfg *Config) {
		cfg.IdlePingInterval = 80 * time.Millisecond
	}, func(p *testPeer) {
		for {
			f, err := p.framer.ReadFrame()
			if err != nil {
				return
			}
			if pf, ok := f.(*http2.PingFrame); ok && !pf.IsAck() {
				p.framer.WritePing(true, pf.Data)
			}
		}
	})

	time.Sleep(250 * time.Millisecond)
	if got := conn.State(); got != Ready {
		t.Fatalf("state = %v, want Ready after an acknowledged idle ping", got)
	}
}

func TestPingTimeoutClosesConnection(t *testing.T) {
	conn := dialTestConn(t, func(cfg *Config) {
		cfg.IdlePingInterval = 80 * time.Millisecond
	}, func(p *testPeer) {
		for {
			// Read and discard every frame, including the idle ping —
			// deliberately never acknowledging it.
			if _, err := p.framer.ReadFrame(); err != nil {
				return
			}
		}
	})

	select {
	case <-conn.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never closed after a ping went unacknowledged")
	}
	if got := conn.State(); got != Closed {
		t.Fatalf("state = %v, want Closed", got)
	}
}

func TestCloseFailsInFlightStreams(t *testing.T) {
	unblock := make(chan struct{})
	conn := dialTestConn(t, nil, func(p *testPeer) {
		if _, err := nextClientHeadersStream(p); err != nil {
			return
		}
		<-unblock // never reply; the test closes the connection instead
	})

	result := conn.Submit(SubmitRequest{
		DeviceToken: "abcd1234",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	conn.Close()
	close(unblock)

	select {
	case r := <-result:
		if r.Err == nil {
			t.Fatalf("expected an error after Close, got %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("result never delivered after Close")
	}
}
