package rtcengine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/transport/v3/packetio"
)

// bufferConn adapts a pair of in-memory packetio.Buffer queues into a
// net.Conn, the same trick pion/webrtc uses internally to hand its
// blocking-I/O DTLS/SCTP stacks a socket that is actually driven by bytes
// fed through HandleInput/PollOutput rather than a real kernel socket. read
// is filled by HandleInput as peer bytes arrive; write is drained by
// PollOutput into Transmit outputs.
type bufferConn struct {
	read  *packetio.Buffer
	write *packetio.Buffer

	localAddr  net.Addr
	remoteAddr net.Addr
}

func newBufferConn(local, remote net.Addr) *bufferConn {
	read := packetio.NewBuffer()
	write := packetio.NewBuffer()
	// Unbounded in practice but capped generously; DTLS/SCTP handshake and
	// control traffic never approaches this.
	read.SetLimitSize(4 * 1024 * 1024)
	write.SetLimitSize(4 * 1024 * 1024)
	return &bufferConn{read: read, write: write, localAddr: local, remoteAddr: remote}
}

func (c *bufferConn) Read(b []byte) (int, error)  { return c.read.Read(b) }
func (c *bufferConn) Write(b []byte) (int, error) { return c.write.Write(b) }
func (c *bufferConn) Close() error {
	c.read.Close()
	c.write.Close()
	return nil
}
func (c *bufferConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *bufferConn) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *bufferConn) SetDeadline(t time.Time) error      { return nil }
func (c *bufferConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bufferConn) SetWriteDeadline(t time.Time) error { return nil }

// feedInbound delivers bytes received from the peer into the DTLS stack's
// read side.
func (c *bufferConn) feedInbound(b []byte) error {
	_, err := c.read.Write(b)
	return err
}

// drainOutbound returns whatever the DTLS stack has queued to send, or nil
// if nothing is pending. It never blocks.
func (c *bufferConn) drainOutbound() ([]byte, bool) {
	if c.write.Size() == 0 {
		return nil, false
	}
	buf := make([]byte, 4096)
	n, err := c.write.Read(buf)
	if err != nil || n == 0 {
		return nil, false
	}
	return buf[:n], true
}

// dtlsSubstrate owns the DTLS server handshake and, once established, the
// exported SRTP keying material.
type dtlsSubstrate struct {
	conn *bufferConn

	mu            sync.Mutex
	dtlsConn      *dtls.Conn
	established   bool
	keyingMaterial []byte
	fingerprint   string

	handshakeErr error
}

// selfSignedCert mirrors how real WebRTC endpoints authenticate DTLS: a
// throwaway self-signed certificate whose fingerprint is published in the
// SDP answer's a=fingerprint line, verified out-of-band by the browser
// trusting whatever certificate answers on the candidate it was given.
func selfSignedCert() (tls.Certificate, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "rtcstream-session"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	fp, err := dtls.FingerprintSHA256(parsed)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	return cert, fp, nil
}

func newDTLSSubstrate(local, remote net.Addr) (*dtlsSubstrate, error) {
	cert, fingerprint, err := selfSignedCert()
	if err != nil {
		return nil, NewConnectionFailed("failed to generate DTLS certificate", err)
	}

	conn := newBufferConn(local, remote)
	sub := &dtlsSubstrate{conn: conn, fingerprint: fingerprint}

	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		InsecureSkipVerify:     true,
		ClientAuth:             dtls.RequireAnyClientCert,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), 30*time.Second)
		},
	}

	go func() {
		dc, err := dtls.Server(conn, cfg)
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if err != nil {
			sub.handshakeErr = fmt.Errorf("dtls handshake failed: %w", err)
			return
		}
		sub.dtlsConn = dc
		sub.established = true

		// SRTP master key/salt length per RFC 5764 for
		// SRTP_AES128_CM_HMAC_SHA1_80: 16-byte key + 14-byte salt, two
		// sides (client+server) = 60 bytes of exported keying material.
		km, err := dc.ConnectionState().Export(dtlsSRTPLabel, 60)
		if err != nil {
			sub.handshakeErr = fmt.Errorf("failed to export SRTP keying material: %w", err)
			return
		}
		sub.keyingMaterial = km
	}()

	return sub, nil
}

const dtlsSRTPLabel = "EXTRACTOR-dtls_srtp"

func (s *dtlsSubstrate) Fingerprint() string { return s.fingerprint }

func (s *dtlsSubstrate) FeedInbound(b []byte) error {
	return s.conn.feedInbound(b)
}

func (s *dtlsSubstrate) DrainOutbound() ([]byte, bool) {
	return s.conn.drainOutbound()
}

func (s *dtlsSubstrate) Established() (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established, s.keyingMaterial, s.handshakeErr
}
