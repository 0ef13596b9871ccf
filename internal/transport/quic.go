package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/veilmesh/peerlink/internal/debuglog"
)

const (
	maxIdleTimeout       = 45 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 8 * time.Second
	dialTimeout          = 8 * time.Second
	dialMaxRetries       = 3
	dialBackoffBase      = 100 * time.Millisecond
	dialBackoffMax       = 1 * time.Second
	connIdleAfter        = 30 * time.Second
)

// zeroReader feeds a deterministic all-zero stream to x509.CreateCertificate
// so the self-signed cert used for transport-layer TLS is reproducible
// across restarts without needing a persisted CA.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// selfSignedCert derives a stable ed25519 TLS certificate from seed, so
// every node presents the same certificate across restarts. Transport
// security here is opportunistic: the overlay's actual confidentiality
// guarantee comes from the pairwise/group AEAD layer in internal/identity,
// not from this certificate's chain of trust (spec.md §4.1).
func selfSignedCert(seed string) (tls.Certificate, []byte, error) {
	h := sha256.Sum256([]byte("peerlink-quic-dev:" + seed))
	priv := ed25519.NewKeyFromSeed(h[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig(nodeSeed string) (*tls.Config, error) {
	cert, _, err := selfSignedCert(nodeSeed)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"peerlink-v1"}}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"peerlink-v1"}}
}

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type connPool struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[string]*pooledConn)}
}

func (p *connPool) get(addr string) (*quic.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[addr]
	if !ok {
		return nil, false
	}
	if ent.conn.Context().Err() != nil || time.Since(ent.lastUsed) > connIdleAfter {
		delete(p.conns, addr)
		return nil, false
	}
	ent.lastUsed = time.Now()
	return ent.conn, true
}

func (p *connPool) put(addr string, conn *quic.Conn) {
	p.mu.Lock()
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: time.Now()}
	p.mu.Unlock()
}

func (p *connPool) drop(addr string) {
	p.mu.Lock()
	ent, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()
	if ok {
		_ = ent.conn.CloseWithError(0, "dropped")
	}
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	all := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range all {
		_ = ent.conn.CloseWithError(0, "endpoint closing")
	}
}

// QUICEndpoint is the concrete Endpoint used in production: quic-go
// streams, one per message, stand in for the browser WebRTC data
// channel spec.md describes as the reference transport (spec.md §4.3
// "Non-goals: this component does not implement WebRTC itself").
type QUICEndpoint struct {
	addr     string
	seed     string
	listener *quic.Listener
	pool     *connPool
	limiter  *ipLimiter

	mu       sync.Mutex
	onMsg    Handler
	onClose  CloseHandler
	closed   bool
	cancel   context.CancelFunc
}

// NewQUICEndpoint binds a listener at addr. seed distinguishes this
// node's TLS identity from others for logging; it is not a security
// boundary.
func NewQUICEndpoint(addr, seed string) (*QUICEndpoint, error) {
	tlsConf, err := serverTLSConfig(seed)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ep := &QUICEndpoint{
		addr:     listener.Addr().String(),
		seed:     seed,
		listener: listener,
		pool:     newConnPool(),
		limiter:  newIPLimiter(64, 256),
		cancel:   cancel,
	}
	go ep.acceptLoop(ctx)
	return ep, nil
}

func (e *QUICEndpoint) LocalAddr() string { return e.addr }

func (e *QUICEndpoint) OnMessage(h Handler) {
	e.mu.Lock()
	e.onMsg = h
	e.mu.Unlock()
}

func (e *QUICEndpoint) OnClose(h CloseHandler) {
	e.mu.Lock()
	e.onClose = h
	e.mu.Unlock()
}

func (e *QUICEndpoint) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			debuglog.Debugf("transport: accept error: %v", err)
			return
		}
		remote := conn.RemoteAddr().String()
		host, _, _ := net.SplitHostPort(remote)
		if !e.limiter.acquireConn(host) {
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go e.serveConn(ctx, remote, host, conn)
	}
}

func (e *QUICEndpoint) serveConn(ctx context.Context, remote, host string, conn *quic.Conn) {
	defer e.limiter.releaseConn(host)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			e.fireClose(remote, err)
			return
		}
		if !e.limiter.acquireStream(host) {
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer e.limiter.releaseStream(host)
			defer s.Close()
			data, err := io.ReadAll(s)
			if err != nil || len(data) == 0 {
				return
			}
			e.fireMessage(remote, data)
		}(stream)
	}
}

func (e *QUICEndpoint) fireMessage(addr string, data []byte) {
	e.mu.Lock()
	h := e.onMsg
	e.mu.Unlock()
	if h != nil {
		h(addr, data)
	}
}

func (e *QUICEndpoint) fireClose(addr string, reason error) {
	e.mu.Lock()
	h := e.onClose
	e.mu.Unlock()
	if h != nil {
		h(addr, reason)
	}
}

func (e *QUICEndpoint) Connect(ctx context.Context, addr string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := e.dial(ctx, addr)
	return err
}

func (e *QUICEndpoint) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	if conn, ok := e.pool.get(addr); ok {
		return conn, nil
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	var lastErr error
	backoff := dialBackoffBase
	for attempt := 0; attempt <= dialMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := quic.DialAddr(dctx, addr, clientTLSConfig(), quicConf)
		cancel()
		if err == nil {
			e.pool.put(addr, conn)
			return conn, nil
		}
		lastErr = err
		debuglog.RateLimitedf("dial:"+addr, 5*time.Second, "transport: dial %s failed: %v", addr, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < dialBackoffMax {
			backoff *= 2
			if backoff > dialBackoffMax {
				backoff = dialBackoffMax
			}
		}
	}
	return nil, fmt.Errorf("transport: dial %s: %w", addr, lastErr)
}

func (e *QUICEndpoint) Send(ctx context.Context, addr string, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		e.pool.drop(addr)
		return fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}
	defer stream.Close()
	if _, err := stream.Write(data); err != nil {
		e.pool.drop(addr)
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	if cw, ok := any(stream).(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return nil
}

func (e *QUICEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.pool.closeAll()
	return e.listener.Close()
}

var _ Endpoint = (*QUICEndpoint)(nil)

// ErrNoSuchPeer is returned by callers that look up a connection which
// was never established and cannot be dialed lazily (e.g. loopback test doubles).
var ErrNoSuchPeer = errors.New("transport: no such peer")
