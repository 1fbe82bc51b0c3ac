package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const testSecret = "test-secret"

// ---- host key ------------------------------------------------------------

func TestLoadOrGenerateHostKey_Generates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_key")

	signer, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrGenerateHostKey: %v", err)
	}
	if signer == nil {
		t.Fatal("nil signer")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat generated key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("host key mode = %o, want 600", perm)
	}
}

func TestLoadOrGenerateHostKey_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_host_key")

	first, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	a := ssh.FingerprintSHA256(first.PublicKey())
	b := ssh.FingerprintSHA256(second.PublicKey())
	if a != b {
		t.Errorf("host key changed across restarts: %s vs %s", a, b)
	}
}

func TestLoadOrGenerateHostKey_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_host_key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOrGenerateHostKey(path); err == nil {
		t.Error("expected error for a corrupt host key file")
	}
}

// ---- credential grammar --------------------------------------------------

// fakeMeta satisfies ssh.ConnMetadata for direct authenticate calls.
type fakeMeta struct {
	user string
}

func (m fakeMeta) User() string          { return m.user }
func (m fakeMeta) SessionID() []byte     { return nil }
func (m fakeMeta) ClientVersion() []byte { return nil }
func (m fakeMeta) ServerVersion() []byte { return nil }
func (m fakeMeta) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (m fakeMeta) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestAuthenticate(t *testing.T) {
	s := &SSHServer{Secret: testSecret}

	cases := []struct {
		name     string
		user     string
		password string
		wantOK   bool
	}{
		{"valid", "u1:t1:proj", "3000:" + testSecret, true},
		{"wrong secret", "u1:t1:proj", "3000:nope", false},
		{"empty secret", "u1:t1:proj", "3000:", false},
		{"missing username segment", "u1:t1", "3000:" + testSecret, false},
		{"extra username segment", "u1:t1:proj:x", "3000:" + testSecret, false},
		{"empty user id", ":t1:proj", "3000:" + testSecret, false},
		{"empty tunnel id", "u1::proj", "3000:" + testSecret, false},
		{"empty project", "u1:t1:", "3000:" + testSecret, false},
		{"password without port", testSecret, "", false},
		{"non-numeric port", "u1:t1:proj", "abc:" + testSecret, false},
		{"port zero", "u1:t1:proj", "0:" + testSecret, false},
		{"port too large", "u1:t1:proj", "70000:" + testSecret, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perms, err := s.authenticate(fakeMeta{user: tc.user}, []byte(tc.password))
			if tc.wantOK {
				if err != nil {
					t.Fatalf("authenticate: %v", err)
				}
				in, err := intentFromPermissions(perms)
				if err != nil {
					t.Fatalf("intentFromPermissions: %v", err)
				}
				if in.UserID != "u1" || in.TunnelID != "t1" || in.ProjectName != "proj" || in.LocalPort != 3000 {
					t.Errorf("intent = %+v", in)
				}
				return
			}
			if err == nil {
				t.Error("expected auth rejection")
			}
		})
	}
}

func TestAuthenticate_SecretWithColon(t *testing.T) {
	// Only the first colon splits the password; the secret itself may
	// contain colons.
	s := &SSHServer{Secret: "sec:ret"}
	if _, err := s.authenticate(fakeMeta{user: "u1:t1:proj"}, []byte("3000:sec:ret")); err != nil {
		t.Errorf("authenticate with colon in secret: %v", err)
	}
}

func TestIntentFromPermissions_Invalid(t *testing.T) {
	if _, err := intentFromPermissions(nil); err == nil {
		t.Error("nil permissions accepted")
	}
	if _, err := intentFromPermissions(&ssh.Permissions{}); err == nil {
		t.Error("empty permissions accepted")
	}
}

// ---- end to end ----------------------------------------------------------

// startTestServer boots a full SSH server on a loopback port with a fresh
// registry and returns both plus the server address.
func startTestServer(t *testing.T, rec *recorder, maxPerUser int) (*SSHServer, *Registry, string) {
	t.Helper()

	reg := NewRegistry(NewAllocator(59500, 59520), rec, maxPerUser, "localhost:8001")
	srv := &SSHServer{
		Addr:        "127.0.0.1:0",
		HostKeyPath: filepath.Join(t.TempDir(), "ssh_host_key"),
		Secret:      testSecret,
		Registry:    reg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("SSH server did not stop")
		}
	})

	addr := waitFor(t, func() (string, bool) {
		a := srv.ListenAddr()
		return a, a != ""
	})
	return srv, reg, addr
}

func waitFor[T any](t *testing.T, fn func() (T, bool)) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := fn(); ok {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
	var zero T
	return zero
}

func dialTunnel(t *testing.T, addr, user, password string) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSSHServer_EndToEnd(t *testing.T) {
	rec := &recorder{}
	_, reg, addr := startTestServer(t, rec, 0)

	client := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)

	// Requesting port 0 makes the client adopt the server-chosen port from
	// the tcpip-forward reply.
	remote, err := client.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client.Listen: %v", err)
	}
	defer remote.Close()

	conn := waitFor(t, func() (*Conn, bool) { return reg.Get("t1") })
	if conn.UserID != "u1" || conn.ProjectName != "proj" || conn.LocalPort != 3000 {
		t.Errorf("tunnel record = %+v", conn)
	}
	if len(rec.created) != 1 {
		t.Errorf("created webhooks = %d, want 1", len(rec.created))
	}

	// The client side stands in for the creator's local app: echo one line.
	go func() {
		c, err := remote.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	// A viewer-side connection to the allocated remote port must round-trip
	// through the SSH channel to the creator.
	viewer, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", conn.RemotePort), 5*time.Second)
	if err != nil {
		t.Fatalf("dial remote port: %v", err)
	}
	defer viewer.Close()

	msg := []byte("ping")
	if _, err := viewer.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := viewer.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("echo = %q, want %q", buf[:n], msg)
	}
}

func TestSSHServer_SessionEndClosesTunnel(t *testing.T) {
	rec := &recorder{}
	_, reg, addr := startTestServer(t, rec, 0)

	client := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if _, err := client.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("client.Listen: %v", err)
	}
	waitFor(t, func() (*Conn, bool) { return reg.Get("t1") })

	client.Close()

	waitFor(t, func() (struct{}, bool) {
		_, ok := reg.Get("t1")
		return struct{}{}, !ok
	})
	if got := rec.closedCount(); got != 1 {
		t.Errorf("closed webhooks = %d, want 1", got)
	}
	if used := reg.alloc.UsedCount(); used != 0 {
		t.Errorf("used ports = %d after disconnect, want 0", used)
	}
}

func TestSSHServer_BadSecretRejected(t *testing.T) {
	_, _, addr := startTestServer(t, &recorder{}, 0)

	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "u1:t1:proj",
		Auth:            []ssh.AuthMethod{ssh.Password("3000:wrong")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("dial with bad secret succeeded")
	}
}

func TestSSHServer_SecondForwardRejected(t *testing.T) {
	_, reg, addr := startTestServer(t, &recorder{}, 0)

	client := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if _, err := client.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("first client.Listen: %v", err)
	}
	waitFor(t, func() (*Conn, bool) { return reg.Get("t1") })

	if _, err := client.Listen("tcp", "127.0.0.1:0"); err == nil {
		t.Error("second forwarding request on one session was accepted")
	}
	if reg.Count() != 1 {
		t.Errorf("tunnel count = %d, want 1", reg.Count())
	}
}

func TestSSHServer_DuplicateProjectRejected(t *testing.T) {
	_, reg, addr := startTestServer(t, &recorder{}, 0)

	first := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if _, err := first.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("first client.Listen: %v", err)
	}
	waitFor(t, func() (*Conn, bool) { return reg.Get("t1") })

	// Same user and project from a second session: auth succeeds, but the
	// forwarding request is denied.
	second := dialTunnel(t, addr, "u1:t2:proj", "3000:"+testSecret)
	if _, err := second.Listen("tcp", "127.0.0.1:0"); err == nil {
		t.Error("duplicate project forwarding request was accepted")
	}
	if reg.Count() != 1 {
		t.Errorf("tunnel count = %d, want 1", reg.Count())
	}
}
