package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestServer starts a server over a fresh FSBackend root on a random
// localhost port and tears it down with the test.
func newTestServer(t *testing.T, opts ...Option) (srv *Server, addr, root string) {
	t.Helper()

	root = t.TempDir()
	backend, err := NewFSBackend(root)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]Option{
		WithBackend(func() StorageBackend { return backend }),
	}, opts...)

	srv, err = NewServer(ln.Addr().String(), opts...)
	require.NoError(t, err)

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv, ln.Addr().String(), root
}

// rawClient speaks the control channel byte-for-byte, for tests that need
// to see exact replies.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dialRaw connects and consumes the 220 greeting.
func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	c.expect(220)
	return c
}

// rawOnConn wraps an already-established connection without reading a
// greeting. Used by the PROXY tests, which must send the header first.
func rawOnConn(t *testing.T, conn net.Conn) *rawClient {
	return &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
}

func (c *rawClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// expect reads one line and asserts its reply code.
func (c *rawClient) expect(code int) string {
	c.t.Helper()
	line := c.readLine()
	require.True(c.t, strings.HasPrefix(line, fmt.Sprintf("%d", code)),
		"expected %d, got %q", code, line)
	return line
}

// cmd sends a command and returns the single-line reply.
func (c *rawClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

// cmdExpect sends a command and asserts the reply code.
func (c *rawClient) cmdExpect(line string, code int) string {
	c.t.Helper()
	c.send(line)
	return c.expect(code)
}

// readMultiline reads an RFC 959 multi-line reply and returns all lines,
// the "NNN " terminator included.
func (c *rawClient) readMultiline(code int) []string {
	c.t.Helper()
	var lines []string
	terminator := fmt.Sprintf("%d ", code)
	for {
		line := c.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, terminator) {
			return lines
		}
		require.Less(c.t, len(lines), 100, "runaway multi-line reply")
	}
}

// login runs the anonymous USER/PASS sequence.
func (c *rawClient) login(t *testing.T) {
	t.Helper()
	c.cmdExpect("USER anonymous", 331)
	c.cmdExpect("PASS anything", 230)
}

// startTLS swaps the client side of the control channel to TLS.
func (c *rawClient) startTLS() {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(c.t, tlsConn.Handshake())
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
}

// dropTLS returns the client to the plaintext socket after CCC. The TLS
// session is simply abandoned, mirroring the server side.
func (c *rawClient) dropTLS(raw net.Conn) {
	c.conn = raw
	c.r = bufio.NewReader(raw)
}

// pasvAddr parses a 227 reply into a dialable host:port.
func pasvAddr(t *testing.T, reply string) string {
	t.Helper()
	open := strings.Index(reply, "(")
	closing := strings.Index(reply, ")")
	require.True(t, open >= 0 && closing > open, "malformed 227: %q", reply)

	parts := strings.Split(reply[open+1:closing], ",")
	require.Len(t, parts, 6, "malformed 227: %q", reply)

	host := strings.Join(parts[0:4], ".")
	var p1, p2 int
	_, err := fmt.Sscanf(parts[4]+" "+parts[5], "%d %d", &p1, &p2)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%d", host, p1*256+p2)
}

// testTLSConfig builds a self-signed certificate for 127.0.0.1.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ftpd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		MinVersion: tls.VersionTLS12,
	}
}
