package tools

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nugget/ctf-agent/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectAttachments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vuln.c"), "int main(){}")
	writeFile(t, filepath.Join(dir, "chall"), "\x7fELF")
	if err := os.Mkdir(filepath.Join(dir, "libs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "libs", "libc.so.6"), "nested files are not collected")
	extra := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, extra, "hint")

	files, err := CollectAttachments([]string{dir, extra})
	if err != nil {
		t.Fatalf("CollectAttachments: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		if !filepath.IsAbs(f.Path) {
			t.Errorf("%s path %q is not absolute", f.Name, f.Path)
		}
	}
	if got := strings.Join(names, ","); got != "chall,notes.txt,vuln.c" {
		t.Errorf("names = %s", got)
	}
	if files[0].Size != 4 {
		t.Errorf("chall size = %d", files[0].Size)
	}

	if files, err := CollectAttachments(nil); err != nil || len(files) != 0 {
		t.Errorf("no paths = %v, %v", files, err)
	}
}

func TestCollectAttachments_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flag.enc"), "x")
	other := t.TempDir()
	writeFile(t, filepath.Join(other, "flag.enc"), "y")

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"missing", []string{filepath.Join(dir, "nope")}, "no such file"},
		{"duplicate name", []string{dir, other}, `"flag.enc" given twice`},
		{"same file twice", []string{filepath.Join(dir, "flag.enc"), dir}, "given twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CollectAttachments(tt.paths)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestWithAttachments(t *testing.T) {
	files := []Attachment{{Name: "chall", Path: "/tmp/p/chall", Size: 4}}

	if got := WithAttachments("Pwn it.\n", nil, true); got != "Pwn it.\n" {
		t.Errorf("no attachments changed the problem: %q", got)
	}

	local := WithAttachments("Pwn it.\n", files, false)
	want := "Pwn it.\n\nThe problem comes with these files:\n- chall (4 bytes) at /tmp/p/chall\n"
	if local != want {
		t.Errorf("local = %q, want %q", local, want)
	}
	if strings.Contains(local, "SSH host") {
		t.Error("local listing mentions the SSH host")
	}

	remote := WithAttachments("Pwn it.", files, true)
	if !strings.HasSuffix(remote, "login directory of the SSH host under the same names.\n") {
		t.Errorf("remote = %q", remote)
	}
}

func TestUploadAttachments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "b.txt"), "beta")
	files, err := CollectAttachments([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	files = append(files, Attachment{Name: "gone", Path: filepath.Join(dir, "gone")})

	got := map[string]string{}
	err = uploadAttachments(files, func(name string, data []byte) error {
		if name == "b.txt" {
			return errors.New("disk full")
		}
		got[name] = string(data)
		return nil
	})
	if got["a.txt"] != "alpha" || len(got) != 1 {
		t.Errorf("uploaded = %v", got)
	}
	if err == nil || !strings.Contains(err.Error(), "b.txt: disk full") || !strings.Contains(err.Error(), "gone:") {
		t.Errorf("err = %v, want both failures", err)
	}
}

// sshTestServer accepts password logins and runs two kinds of exec
// request: "cat > 'name'" stores stdin as a file, anything else echoes.
type sshTestServer struct {
	host string
	port int

	mu       sync.Mutex
	files    map[string][]byte
	commands []string
}

func startSSHTestServer(t *testing.T) *sshTestServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "ctf" && string(pass) == "hunter2" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	srv := &sshTestServer{files: map[string][]byte{}}
	srv.host = host
	srv.port, _ = strconv.Atoi(port)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (s *sshTestServer) config() config.SSHConfig {
	return config.SSHConfig{
		Enabled:               true,
		Host:                  s.host,
		Port:                  s.port,
		User:                  "ctf",
		Password:              "hunter2",
		InsecureIgnoreHostKey: true,
	}
}

func (s *sshTestServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshTestServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var exec struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &exec); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, exec.Command)
		s.mu.Unlock()
		if name, ok := strings.CutPrefix(exec.Command, "cat > "); ok {
			data, _ := io.ReadAll(ch)
			s.mu.Lock()
			s.files[strings.Trim(name, "'")] = data
			s.mu.Unlock()
		} else {
			io.WriteString(ch, "ran: "+exec.Command+"\n")
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		return
	}
}

func TestSSHShell_UploadsAttachmentsOnFirstConnect(t *testing.T) {
	srv := startSSHTestServer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "chall"), "\x7fELF")
	writeFile(t, filepath.Join(dir, "it's.txt"), "quoted")
	files, err := CollectAttachments([]string{dir})
	if err != nil {
		t.Fatal(err)
	}

	l := NewLoader(config.ToolsConfig{SSH: srv.config()}, nil)
	defer l.Close()
	l.SetAttachments(files)

	ctx := context.Background()
	for range 2 {
		res, err := l.ssh.Run(ctx, "id", 5*time.Second)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.ExitCode != 0 || res.Stdout != "ran: id\n" {
			t.Fatalf("result = %+v", res)
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if string(srv.files["chall"]) != "\x7fELF" || string(srv.files[`it'\''s.txt`]) != "quoted" {
		t.Errorf("remote files = %q", srv.files)
	}
	want := []string{"cat > 'chall'", `cat > 'it'\''s.txt'`, "id", "id"}
	if strings.Join(srv.commands, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", srv.commands, want)
	}
}
