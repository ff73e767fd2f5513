package mock

import (
	"crypto/tls"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/kestrelpush/apns/internal/wire"
)

// BenchmarkServer is the throughput variant of Server: it skips every
// validation check and replies :status 200 to every stream, so a load
// test measures the client and transport, not the mock's own CPU cost.
// Its apns-id is stable per connection rather than per request, and is
// sent whether or not the request carried an apns-id of its own.
type BenchmarkServer struct {
	tlsConfig *tls.Config
	log       *zap.Logger
	listener  net.Listener
}

// NewBenchmarkServer builds a BenchmarkServer serving tlsConfig.
func NewBenchmarkServer(tlsConfig *tls.Config, log *zap.Logger) *BenchmarkServer {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{"h2"}
	return &BenchmarkServer{tlsConfig: cfg, log: log}
}

// Start binds addr and accepts connections in the background.
func (b *BenchmarkServer) Start(addr string) error {
	ln, err := tls.Listen("tcp", addr, b.tlsConfig)
	if err != nil {
		return err
	}
	b.listener = ln
	go b.acceptLoop()
	return nil
}

// Addr returns the address Start bound to.
func (b *BenchmarkServer) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Close stops accepting connections.
func (b *BenchmarkServer) Close() error {
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

func (b *BenchmarkServer) acceptLoop() {
	for {
		raw, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.serveConn(raw)
	}
}

func (b *BenchmarkServer) serveConn(raw net.Conn) {
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

	apnsID := uuid.NewString()

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
			if !f.StreamEnded() {
				if err := drainDataFrames(framer); err != nil {
					return
				}
			}
			buf.Reset()
			if err := enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"}); err != nil {
				return
			}
			if err := enc.WriteField(hpack.HeaderField{Name: "apns-id", Value: apnsID}); err != nil {
				return
			}
			if err := framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      f.StreamID,
				BlockFragment: buf.Bytes(),
				EndStream:     true,
				EndHeaders:    true,
			}); err != nil {
				return
			}
		}
	}
}

func drainDataFrames(framer *http2.Framer) error {
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return err
		}
		df, ok := frame.(*http2.DataFrame)
		if !ok {
			continue
		}
		if df.StreamEnded() {
			return nil
		}
	}
}
