// Package mock is a protocol-accurate stand-in for the APNs gateway: it
// terminates the same HTTP/2-over-TLS connections internal/h2conn dials,
// decodes requests with the same internal/wire header codec, and replies
// with the same accept/reject envelope the real gateway uses. It is
// deliberately not an httptest.Server shortcut — tests exercising
// certificate vs. token auth or the rejection-reason table need frame-level
// control a net/http handler can't give. Each connection handles one
// request stream at a time; streams are not pipelined.
package mock

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelpush/apns"
)

// Server accepts connections and validates requests against whatever was
// registered before Start. Build one with NewServer.
type Server struct {
	tlsConfig             *tls.Config
	log                   *zap.Logger
	emulateInternalErrors bool

	reg *registry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer builds a Server serving tlsConfig. Set tlsConfig.ClientAuth to
// tls.RequireAnyClientCert to exercise certificate-based auth (the base
// topic is read from the certificate's subject UID); leave it unset to
// accept only token-based (bearer JWT) auth. log may be nil.
func NewServer(tlsConfig *tls.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{"h2"}
	return &Server{tlsConfig: cfg, log: log, reg: newRegistry()}
}

// RegisterDeviceToken marks token as valid for topic. A non-nil expiration
// makes every request for that token/topic pair fail with Unregistered and
// the given timestamp, as if the device had uninstalled the app. Must be
// called before Start.
func (s *Server) RegisterDeviceToken(topic, token string, expiration *time.Time) {
	s.reg.registerDeviceToken(topic, token, expiration)
}

// RegisterVerificationKey installs the public half of a provider signing
// key and the topics it is allowed to send to. Must be called before
// Start.
func (s *Server) RegisterVerificationKey(key apns.VerificationKey, allowedTopics []string) {
	s.reg.registerVerificationKey(key, allowedTopics)
}

// SetEmulateInternalErrors makes every request, regardless of how it would
// otherwise validate, respond :status 500 with an empty body. A
// fault-injection mode for exercising a provider's retry/backoff handling.
func (s *Server) SetEmulateInternalErrors(v bool) {
	s.emulateInternalErrors = v
}

// Start binds addr (":0" picks an ephemeral port) and accepts connections
// in the background until Close.
func (s *Server) Start(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("apns mock: listen: %w", err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address Start bound to.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(raw)
		}()
	}
}

// Close stops accepting connections and waits for every in-flight
// connection goroutine to return. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}
