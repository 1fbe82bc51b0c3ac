package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// defaultRateLimit is the maximum number of new TCP connections accepted
// per second on the SSH listener.
const defaultRateLimit rate.Limit = 10

// defaultMaxPending caps concurrent unauthenticated SSH handshakes.
const defaultMaxPending = 50

// handshakeTimeout is the deadline for the SSH handshake and credential
// validation. It is cleared once the session is authenticated.
const handshakeTimeout = 15 * time.Second

// keepaliveInterval is how often the server pings an authenticated session
// to detect broken connections.
const keepaliveInterval = 30 * time.Second

// keepaliveTimeout is how long the server waits for a keepalive reply
// before declaring the connection dead.
const keepaliveTimeout = 15 * time.Second

// Permission extension keys carrying the tunnel intent from the auth
// callback to the connection handler.
const (
	extUserID    = "tunnel-user-id"
	extTunnelID  = "tunnel-id"
	extProject   = "tunnel-project"
	extLocalPort = "tunnel-local-port"
)

// intent is the tunnel identity a creator proves at auth time:
// username field "user_id:tunnel_id:project", password "local_port:secret".
type intent struct {
	UserID      string
	TunnelID    string
	ProjectName string
	LocalPort   int
}

// SSHServer accepts reverse-SSH connections from creator machines. Each
// authenticated session may establish at most one tunnel via a single
// tcpip-forward request; the client-proposed listen address and port are
// ignored in favor of a registry-allocated remote port.
type SSHServer struct {
	// Addr is the listen address, e.g. "0.0.0.0:2222".
	Addr string
	// HostKeyPath is where the persistent host key lives. A fresh ed25519
	// key is generated and written on first run.
	HostKeyPath string
	// Secret is the shared tunnel secret every creator must present.
	Secret string
	// Registry owns tunnel records and port allocation.
	Registry *Registry
	// RateLimit sets the maximum new connections/second (default 10).
	RateLimit rate.Limit
	// MaxPending caps simultaneous unauthenticated handshakes (default 50).
	MaxPending int

	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     chan struct{}

	mu sync.Mutex
	ln net.Listener
}

// ListenAndServe starts the SSH server and blocks until ctx is cancelled.
func (s *SSHServer) ListenAndServe(ctx context.Context) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("sshserver: init: %w", err)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %s: %w", s.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("SSH tunnel server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			// Transient accept error; keep looping.
			continue
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// ListenAddr returns the bound listener address, or "" before start.
func (s *SSHServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// handleConn performs the SSH handshake and drives one session's tunnel
// lifecycle: forwarding approval, data pumping, and cascade close.
func (s *SSHServer) handleConn(conn net.Conn) {
	// Deadline covers handshake + auth only; cleared afterwards so
	// long-lived tunnels are not cut off.
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("SSH handshake failed")
		return
	}

	in, err := intentFromPermissions(sshConn.Permissions)
	if err != nil {
		// Only reachable if the auth callback produced bad extensions.
		log.Error().Err(err).Msg("invalid session permissions")
		_ = sshConn.Close()
		return
	}

	_ = conn.SetDeadline(time.Time{})

	log.Info().
		Str("tunnel_id", in.TunnelID).
		Str("user_id", in.UserID).
		Stringer("remote", conn.RemoteAddr()).
		Msg("SSH session authenticated")

	sess := &sshSession{conn: sshConn, done: make(chan struct{})}
	go func() {
		_ = sshConn.Wait()
		close(sess.done)
	}()

	// Forward-only tunnel: every client-opened channel is rejected. Only
	// server-initiated forwarded-tcpip channels carry data.
	go func() {
		for newChan := range chans {
			_ = newChan.Reject(ssh.Prohibited, "forward-only tunnel")
		}
	}()

	go s.keepalive(sshConn)

	s.handleRequests(sshConn, reqs, in, sess)

	// Session over: client disconnect, error, or server-initiated close.
	if s.Registry.Close(in.TunnelID, "session_ended") {
		log.Info().Str("tunnel_id", in.TunnelID).Msg("SSH session ended, tunnel closed")
	}
	_ = sshConn.Close()
}

// handleRequests processes SSH global requests for one session. The only
// approvable type is tcpip-forward, at most once per session; the reply
// carries the allocated remote port.
func (s *SSHServer) handleRequests(sshConn *ssh.ServerConn, reqs <-chan *ssh.Request, in intent, sess *sshSession) {
	established := false

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			if established {
				log.Warn().Str("tunnel_id", in.TunnelID).Msg("second forwarding request rejected")
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}

			rec, err := s.Registry.Create(CreateParams{
				TunnelID:    in.TunnelID,
				UserID:      in.UserID,
				Username:    in.UserID,
				ProjectName: in.ProjectName,
				LocalPort:   in.LocalPort,
			}, sess)
			if err != nil {
				log.Warn().Err(err).Str("tunnel_id", in.TunnelID).Msg("forwarding request denied")
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}

			established = true
			go s.serveForward(sshConn, rec)

			if req.WantReply {
				// Reply payload: uint32 chosen port, since the client's
				// proposed port is ignored.
				var reply [4]byte
				binary.BigEndian.PutUint32(reply[:], uint32(rec.RemotePort))
				_ = req.Reply(true, reply[:])
			}

		case "cancel-tcpip-forward":
			if established {
				s.Registry.Close(in.TunnelID, "forward_cancelled")
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// serveForward accepts viewer-side connections on the tunnel's remote port
// and pipes each one through a forwarded-tcpip channel to the creator.
// It returns when the listener is closed (registry close or session end).
func (s *SSHServer) serveForward(sshConn *ssh.ServerConn, rec *Conn) {
	var pumpWg sync.WaitGroup
	defer pumpWg.Wait()

	for {
		tc, err := rec.Listener.Accept()
		if err != nil {
			return
		}
		pumpWg.Add(1)
		go func() {
			defer pumpWg.Done()
			defer tc.Close()
			s.pipeForward(sshConn, rec, tc)
		}()
	}
}

// forwardedTCPPayload is the wire encoding for a forwarded-tcpip channel
// open payload (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// pipeForward opens a forwarded-tcpip channel and copies data in both
// directions between tc and the creator's local port.
func (s *SSHServer) pipeForward(sshConn *ssh.ServerConn, rec *Conn, tc net.Conn) {
	originAddr, originPortStr, _ := net.SplitHostPort(tc.RemoteAddr().String())
	originPort, _ := strconv.Atoi(originPortStr)

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       "127.0.0.1",
		Port:       uint32(rec.RemotePort),
		OriginAddr: originAddr,
		OriginPort: uint32(originPort),
	})

	ch, chReqs, err := sshConn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.Warn().Err(err).Str("tunnel_id", rec.ID).Msg("open forwarded-tcpip channel")
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(chReqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(ch, tc) }()
	go func() { defer wg.Done(); _, _ = io.Copy(tc, ch) }()
	wg.Wait()
}

// keepalive pings the session every keepaliveInterval and closes it when
// the remote end stops answering within keepaliveTimeout. A REQUEST_FAILURE
// reply still proves liveness and is not an error.
func (s *SSHServer) keepalive(conn *ssh.ServerConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		ch := make(chan error, 1)
		go func() {
			_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
			ch <- err
		}()
		select {
		case err := <-ch:
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-time.After(keepaliveTimeout):
			log.Warn().Str("user", conn.User()).Msg("keepalive timeout, closing SSH session")
			_ = conn.Close()
			return
		}
	}
}

// sshSession adapts *ssh.ServerConn to the registry's SessionHandle.
type sshSession struct {
	conn *ssh.ServerConn
	done chan struct{}
}

func (s *sshSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *sshSession) Close() error { return s.conn.Close() }

// --- authentication -------------------------------------------------------

var errAuthFailed = errors.New("authentication failed")

// authenticate validates the credential grammar:
//
//	username = "<user_id>:<tunnel_id>:<project_name>"
//	password = "<local_port>:<shared_secret>"
//
// The failing field class is logged, never the credential itself. The
// shared secret is compared in constant time.
func (s *SSHServer) authenticate(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	userParts := strings.Split(meta.User(), ":")
	if len(userParts) != 3 {
		log.Warn().Stringer("remote", meta.RemoteAddr()).Msg("auth rejected: malformed username")
		return nil, errAuthFailed
	}
	userID, tunnelID, project := userParts[0], userParts[1], userParts[2]
	if userID == "" || tunnelID == "" || project == "" {
		log.Warn().Stringer("remote", meta.RemoteAddr()).Msg("auth rejected: empty username segment")
		return nil, errAuthFailed
	}

	passParts := strings.SplitN(string(password), ":", 2)
	if len(passParts) != 2 {
		log.Warn().Stringer("remote", meta.RemoteAddr()).Msg("auth rejected: malformed password")
		return nil, errAuthFailed
	}

	localPort, err := strconv.Atoi(passParts[0])
	if err != nil || localPort < 1 || localPort > 65535 {
		log.Warn().Stringer("remote", meta.RemoteAddr()).Msg("auth rejected: invalid local port")
		return nil, errAuthFailed
	}

	if subtle.ConstantTimeCompare([]byte(passParts[1]), []byte(s.Secret)) != 1 {
		log.Warn().Stringer("remote", meta.RemoteAddr()).Str("tunnel_id", tunnelID).
			Msg("auth rejected: secret mismatch")
		return nil, errAuthFailed
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			extUserID:    userID,
			extTunnelID:  tunnelID,
			extProject:   project,
			extLocalPort: strconv.Itoa(localPort),
		},
	}, nil
}

func intentFromPermissions(perms *ssh.Permissions) (intent, error) {
	if perms == nil || perms.Extensions == nil {
		return intent{}, errors.New("missing permissions")
	}
	localPort, err := strconv.Atoi(perms.Extensions[extLocalPort])
	if err != nil {
		return intent{}, fmt.Errorf("bad local port extension: %w", err)
	}
	in := intent{
		UserID:      perms.Extensions[extUserID],
		TunnelID:    perms.Extensions[extTunnelID],
		ProjectName: perms.Extensions[extProject],
		LocalPort:   localPort,
	}
	if in.UserID == "" || in.TunnelID == "" || in.ProjectName == "" {
		return intent{}, errors.New("incomplete tunnel intent")
	}
	return in, nil
}

// --- initialisation -------------------------------------------------------

func (s *SSHServer) init() error {
	if s.Registry == nil {
		return errors.New("SSHServer.Registry must not be nil")
	}
	if s.Secret == "" {
		return errors.New("SSHServer.Secret must not be empty")
	}
	if s.HostKeyPath == "" {
		return errors.New("SSHServer.HostKeyPath must not be empty")
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	hostKey, err := loadOrGenerateHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return s.authenticate(meta, password)
		},
		ServerVersion: "SSH-2.0-hexagon-tunnel",
	}
	cfg.AddHostKey(hostKey)
	s.sshCfg = cfg
	return nil
}

// loadOrGenerateHostKey reads the ed25519 host key from path. If the file
// does not exist, a new key is generated and written with mode 0600.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	pemKey, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(pemKey)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create host key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	log.Info().Str("path", path).Msg("generated new SSH host key")

	return ssh.NewSignerFromKey(priv)
}
