// Package reality implements the client side of the Reality TLS-1.3
// emulation: a fingerprinted ClientHello built by utls, with an 8-byte
// authenticator smuggled into the session ID field and verified by the
// server via ECDH against the static public key. The ClientHello comes
// from a utls.UConn with a post-hoc session-ID AEAD seal, and
// fingerprint selection dispatches across the full set of utls browser
// fingerprint tags rather than a single hardcoded one.
package reality

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unsafe"

	"github.com/dualstack/veilbound/pkg/errkind"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/net/http2"
)

// FingerprintTag mirrors VlessConfig's/TlsParameters' browser fingerprint
// enum: chrome_120 | firefox | safari | edge | ios | random.
type FingerprintTag string

const (
	FingerprintChrome120 FingerprintTag = "chrome_120"
	FingerprintFirefox   FingerprintTag = "firefox"
	FingerprintSafari    FingerprintTag = "safari"
	FingerprintEdge      FingerprintTag = "edge"
	FingerprintIOS       FingerprintTag = "ios"
	FingerprintRandom    FingerprintTag = "random"
)

func helloID(tag FingerprintTag) utls.ClientHelloID {
	switch tag {
	case FingerprintChrome120:
		return utls.HelloChrome_120
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintRandom:
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}

// Params is the client's Reality configuration.
type Params struct {
	ServerName  string // covered SNI
	PublicKey   [32]byte
	ShortID     []byte // 0-8 bytes
	Fingerprint FingerprintTag
	ALPN        []string
}

//go:linkname aesgcmPreferred github.com/refraction-networking/utls.aesgcmPreferred
func aesgcmPreferred(ciphers []uint16) bool

// Handshake performs the Reality ClientHello exchange over conn and
// returns the live TLS connection on success. Certificate checking is
// done by realityVerifier instead of the stdlib chain check. If the
// handshake completes but the server's certificate did not pass the
// authenticator check, Handshake starts fallback on the connection in
// the background and returns a TransportDial error.
func Handshake(ctx context.Context, conn net.Conn, p Params) (net.Conn, error) {
	verifier := &realityVerifier{serverName: p.ServerName}

	uConfig := &utls.Config{
		ServerName:             p.ServerName,
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		NextProtos:             p.ALPN,
		VerifyPeerCertificate:  verifier.VerifyPeerCertificate,
	}

	hello := helloID(p.Fingerprint)
	uConn := utls.UClient(conn, uConfig, hello)
	verifier.UConn = uConn

	if err := uConn.BuildHandshakeState(); err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("reality: build handshake state: %w", err))
	}

	chello := uConn.HandshakeState.Hello
	chello.SessionId = make([]byte, 32)
	copy(chello.Raw[39:], chello.SessionId)

	// SessionId layout: [0]=version major, [1]=version minor,
	// [2]=reserved, [3]=reserved, [4:8]=unix timestamp rounded to 8s,
	// [8:8+len(shortID)]=short id, rest is overwritten by the AEAD seal
	// below which folds the authenticator back into bytes [0:16].
	now := time.Now().Unix()
	now -= now % 8
	chello.SessionId[0] = 1
	chello.SessionId[1] = 8
	binary.BigEndian.PutUint32(chello.SessionId[4:8], uint32(now))
	copy(chello.SessionId[8:], p.ShortID)

	peerKey, err := ecdh.X25519().NewPublicKey(p.PublicKey[:])
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("reality: bad server public key: %w", err))
	}

	ecdheKey := uConn.HandshakeState.State13.EcdheKey
	authKey, err := ecdheKey.ECDH(peerKey)
	if err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("reality: ecdh: %w", err))
	}

	if _, err := hkdf.New(sha256.New, authKey, chello.Random[:20], []byte("REALITY")).Read(authKey); err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("reality: hkdf: %w", err))
	}
	verifier.authKey = authKey

	var aead cipher.AEAD
	if aesgcmPreferred(chello.CipherSuites) {
		block, _ := aes.NewCipher(authKey)
		aead, _ = cipher.NewGCM(block)
	} else {
		aead, _ = chacha20poly1305.New(authKey)
	}
	aead.Seal(chello.SessionId[:0], chello.Random[20:], chello.SessionId[:16], chello.Raw)
	copy(chello.Raw[39:], chello.SessionId)

	if err := uConn.HandshakeContext(ctx); err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("reality: handshake: %w", err))
	}

	if !verifier.verified {
		go fallback(uConn, p.ServerName)
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("reality: server authenticator verification failed"))
	}

	return uConn, nil
}

// realityVerifier replaces the stdlib certificate-chain check with an
// authenticator comparison: the server's leaf certificate's ed25519
// public key is verified against HMAC-SHA512(authKey, pubkey), which
// stands in for the "real" certificate signature. utls does not expose
// peerCertificates from a TLS 1.3 handshake through any public API
// before VerifyPeerCertificate runs, so this reads the private field
// via a reflect+unsafe offset trick.
type realityVerifier struct {
	*utls.UConn
	serverName string
	authKey    []byte
	verified   bool
}

func (c *realityVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	field, ok := reflect.TypeOf(c.Conn).Elem().FieldByName("peerCertificates")
	if !ok {
		return fmt.Errorf("reality: utls.Conn has no peerCertificates field")
	}
	certs := *(*[]*x509.Certificate)(unsafe.Pointer(uintptr(unsafe.Pointer(c.Conn)) + field.Offset))
	if len(certs) == 0 {
		return fmt.Errorf("reality: no peer certificates")
	}

	if pub, ok := certs[0].PublicKey.(ed25519.PublicKey); ok {
		h := hmac.New(sha512.New, c.authKey)
		h.Write(pub)
		if hmac.Equal(h.Sum(nil), certs[0].Signature) {
			c.verified = true
			return nil
		}
	}

	opts := x509.VerifyOptions{
		DNSName:       c.serverName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return err
	}
	return nil
}

// fallback mimics a real browser's behavior toward the covered SNI once
// Reality verification fails, so a passive observer sees an ordinary
// HTTP/2 request/response rather than a connection that silently dies.
func fallback(uConn net.Conn, serverName string) {
	defer uConn.Close()
	client := &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, config *tls.Config) (net.Conn, error) {
				return uConn, nil
			},
		},
	}
	req, err := http.NewRequest(http.MethodGet, "https://"+serverName, nil)
	if err != nil {
		return
	}
	req.AddCookie(&http.Cookie{Name: "padding", Value: strings.Repeat("0", rand.IntN(32)+30)})
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}
