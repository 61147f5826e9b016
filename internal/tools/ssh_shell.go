package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nugget/ctf-agent/internal/config"
)

// SSHShell runs commands on a remote host. The connection is opened on
// first use and re-established once if a session cannot be created on
// the cached client. Problem attachments are copied over on the first
// successful connect.
type SSHShell struct {
	cfg    config.SSHConfig
	logger *slog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	attachments []Attachment
	uploaded    bool
}

// NewSSHShell creates an SSH shell. No connection is made until the
// first command.
func NewSSHShell(cfg config.SSHConfig, logger *slog.Logger) *SSHShell {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHShell{cfg: cfg, logger: logger}
}

func (s *SSHShell) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// clientConfig builds the auth and host key policy.
func (s *SSHShell) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.cfg.KeyFile != "" {
		pem, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case s.cfg.KnownHosts != "":
		cb, err := knownhosts.New(s.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	case s.cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-in for lab hosts
	default:
		return nil, errors.New("no host key policy: set known_hosts or insecure_ignore_host_key")
	}

	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         15 * time.Second,
	}, nil
}

func (s *SSHShell) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	cc, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cc.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr(), cc)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", s.addr(), err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	s.logger.Info("ssh connected", "addr", s.addr(), "user", s.cfg.User)
	s.uploadAttachmentsLocked(s.client)
	return s.client, nil
}

// SetAttachments sets the files to upload when the connection is first
// made.
func (s *SSHShell) SetAttachments(files []Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append([]Attachment(nil), files...)
	s.uploaded = false
}

// uploadAttachmentsLocked copies pending attachments over client. A
// failed upload is retried on the next reconnect.
func (s *SSHShell) uploadAttachmentsLocked(client *ssh.Client) {
	if s.uploaded || len(s.attachments) == 0 {
		return
	}
	err := uploadAttachments(s.attachments, func(name string, data []byte) error {
		sess, err := client.NewSession()
		if err != nil {
			return err
		}
		defer sess.Close()
		return writeRemote(sess, name, data)
	})
	if err != nil {
		s.logger.Warn("attachment upload failed", "addr", s.addr(), "error", err)
		return
	}
	s.uploaded = true
	s.logger.Info("attachments uploaded", "addr", s.addr(), "files", len(s.attachments))
}

// session opens a new session, reconnecting once on failure.
func (s *SSHShell) session(ctx context.Context) (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		client, err := s.connectLocked(ctx)
		if err != nil {
			return nil, err
		}
		sess, err := client.NewSession()
		if err == nil {
			return sess, nil
		}
		s.logger.Warn("ssh session failed, reconnecting", "addr", s.addr(), "error", err)
		client.Close()
		s.client = nil
	}
	return nil, fmt.Errorf("ssh session to %s: reconnect failed", s.addr())
}

// Run executes command and waits up to timeout (or the configured
// default when zero).
func (s *SSHShell) Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timeout = min(timeout, maxExecTimeout)

	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := &ExecResult{}
	select {
	case err = <-done:
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		res.TimedOut = true
		res.Error = "command timed out"
		res.ExitCode = -1
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}

	res.Stdout = truncateOutput(stdout.String(), 100*1024)
	res.Stderr = truncateOutput(stderr.String(), 100*1024)
	if res.TimedOut {
		return res, nil
	}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missing):
		res.ExitCode = -1
		res.Error = "remote command exited without status"
	default:
		res.ExitCode = -1
		res.Error = err.Error()
	}
	return res, nil
}

// Upload writes data to path on the remote host.
func (s *SSHShell) Upload(ctx context.Context, path string, data []byte) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := writeRemote(sess, path, data); err != nil {
		return err
	}
	s.logger.Debug("ssh upload", "path", path, "bytes", len(data))
	return nil
}

// writeRemote streams data into path through sess's stdin.
func writeRemote(sess *ssh.Session, path string, data []byte) error {
	sess.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	if err := sess.Run("cat > " + shellQuote(path)); err != nil {
		return fmt.Errorf("upload %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Close closes the connection.
func (s *SSHShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Tool returns the ssh_shell tool definition.
func (s *SSHShell) Tool() *Tool {
	return &Tool{
		Name:        "ssh_shell",
		Description: fmt.Sprintf("Execute a shell command on the remote attack box (%s@%s). Use for network scans, exploitation tooling and anything that needs the lab network. Optional files are uploaded before the command runs.", s.cfg.User, s.cfg.Host),
		Category:    CategoryNetwork,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute remotely",
				},
				"purpose": map[string]any{
					"type":        "string",
					"description": "One line on what this command is meant to find out",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 60, max 300)",
				},
				"files": map[string]any{
					"type":        "object",
					"description": "Map of remote path to file content to upload first",
				},
			},
			"required": []string{"command"},
		},
		Handler: s.handle,
	}
}

func (s *SSHShell) handle(ctx context.Context, args map[string]any) (string, error) {
	command, err := stringArg("ssh_shell", args, "command")
	if err != nil {
		return "", err
	}

	files := optionalMap(args, "files")
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		content, ok := files[p].(string)
		if !ok {
			return "", &ArgumentError{Tool: "ssh_shell", Arg: "files", Reason: fmt.Sprintf("content for %q must be a string", p)}
		}
		if err := s.Upload(ctx, p, []byte(content)); err != nil {
			return "", err
		}
	}

	s.logger.Info("ssh command",
		"run_id", RunIDFromContext(ctx),
		"purpose", optionalString(args, "purpose", ""),
		"command", command,
	)
	res, err := s.Run(ctx, command, time.Duration(optionalInt(args, "timeout_sec", 0))*time.Second)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
