// Package sshsession provides the guest control channel used by prebuild
// activities: command execution with streamed output and file/directory
// upload over SFTP. A Session owns exactly one ssh.Client and is disposed
// once, either on normal teardown or on cancellation.
package sshsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrDisposed is returned by Session methods called after Dispose, and by an
// in-flight Exec whose Session is disposed out from under it — the signal
// the prebuild supervisor uses to cancel sibling tasks.
var ErrDisposed = errors.New("ssh session disposed")

// ExecFailedError reports a non-zero remote exit when AllowNonZeroExitCode
// was not set.
type ExecFailedError struct {
	Code   int
	Stderr string
}

func (e *ExecFailedError) Error() string {
	return fmt.Sprintf("ssh exec failed with code %d: %s", e.Code, e.Stderr)
}

// Dialer opens a Session against a guest VM's SSH server.
type Dialer struct {
	User           string
	PrivateKeyPath string
	Timeout        time.Duration
}

// ExecOptions configures a single Exec call.
type ExecOptions struct {
	Cwd                  string
	Env                  map[string]string
	AllowNonZeroExitCode bool
	OnStdout             func(line string)
	OnStderr             func(line string)
}

// ExecResult reports the outcome of a completed Exec call.
type ExecResult struct {
	ExitCode int
}

// Session is a single SSH connection; WriteFile and PutDirectory open a
// short-lived SFTP client over it for each call. Not safe for concurrent Exec calls on the same Session; callers
// that need concurrency open one Session per task.
type Session struct {
	client *ssh.Client

	mu       sync.Mutex
	disposed bool
}

// Dial connects to addr (host:port) and returns a ready Session.
func (d Dialer) Dial(ctx context.Context, addr string) (*Session, error) {
	key, err := os.ReadFile(d.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH private key %s: %w", d.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key %s: %w", d.PrivateKeyPath, err)
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User: d.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Guest VMs are ephemeral and keyed per-boot; there is no stable
		// host identity to pin against a known_hosts file.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial guest %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Session{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Exec runs command as a single shell command, streaming stdout/stderr lines
// to the supplied callbacks as they arrive. It returns once the remote
// command exits or ctx is cancelled, whichever comes first.
func (s *Session) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ExecResult{}, ErrDisposed
	}
	s.mu.Unlock()

	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach stderr: %w", err)
	}

	full := command
	if opts.Cwd != "" {
		full = fmt.Sprintf("cd %s && %s", shellQuote(opts.Cwd), command)
	}
	for k, v := range opts.Env {
		full = fmt.Sprintf("export %s=%s && %s", k, shellQuote(v), full)
	}

	var stderrBuf strings.Builder
	var stderrMu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, opts.OnStdout)
	go streamLines(&wg, stderr, func(line string) {
		stderrMu.Lock()
		stderrBuf.WriteString(line)
		stderrBuf.WriteByte('\n')
		stderrMu.Unlock()
		if opts.OnStderr != nil {
			opts.OnStderr(line)
		}
	})

	if err := session.Start(full); err != nil {
		return ExecResult{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ExecResult{}, ctx.Err()
	case err := <-done:
		s.mu.Lock()
		disposed := s.disposed
		s.mu.Unlock()
		if disposed {
			return ExecResult{}, ErrDisposed
		}

		if err == nil {
			return ExecResult{ExitCode: 0}, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			stderrMu.Lock()
			capturedStderr := stderrBuf.String()
			stderrMu.Unlock()
			if opts.AllowNonZeroExitCode {
				return ExecResult{ExitCode: exitErr.ExitStatus()}, nil
			}
			return ExecResult{ExitCode: exitErr.ExitStatus()}, &ExecFailedError{Code: exitErr.ExitStatus(), Stderr: capturedStderr}
		}
		if errors.Is(err, io.EOF) {
			return ExecResult{}, ErrDisposed
		}
		return ExecResult{}, fmt.Errorf("command failed: %w", err)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func streamLines(wg *sync.WaitGroup, r io.Reader, onLine func(string)) {
	defer wg.Done()
	if onLine == nil {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

// WriteFile writes content to path on the guest via SFTP, creating parent
// directories as needed.
func (s *Session) WriteFile(path string, content []byte, mode os.FileMode) error {
	client, err := s.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("mkdir -p %s: %w", filepath.Dir(path), err)
	}

	f, err := client.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Chmod(mode)
}

// PutDirectory recursively uploads the local directory at localDir to
// remoteDir on the guest via SFTP, preserving relative paths.
func (s *Session) PutDirectory(localDir, remoteDir string) error {
	client, err := s.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	return filepath.Walk(localDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		remotePath := filepath.ToSlash(filepath.Join(remoteDir, rel))

		if info.IsDir() {
			return client.MkdirAll(remotePath)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read local %s: %w", path, err)
		}
		if err := client.MkdirAll(filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
			return fmt.Errorf("mkdir -p %s: %w", filepath.Dir(remotePath), err)
		}
		remote, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create remote %s: %w", remotePath, err)
		}
		defer remote.Close()
		if _, err := remote.Write(data); err != nil {
			return fmt.Errorf("write remote %s: %w", remotePath, err)
		}
		return remote.Chmod(info.Mode())
	})
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	return sftp.NewClient(s.client)
}

// Dispose closes the underlying SSH connection. Idempotent: calling it more
// than once, including concurrently with an in-flight Exec, is safe and the
// in-flight Exec returns ErrDisposed.
func (s *Session) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	return s.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
