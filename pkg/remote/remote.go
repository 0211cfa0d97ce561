//go:generate go run go.uber.org/mock/mockgen -package remote -destination mock_executor.go github.com/truongvando/ezstream-sub005/pkg/remote Executor

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/types"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNotConnected is returned by Execute and UploadFile before Connect
var ErrNotConnected = errors.New("not connected")

// Executor runs commands on a node. Implementations are used by one
// goroutine at a time and do not retry.
type Executor interface {
	Connect(ctx context.Context, node *types.Node) error
	Execute(ctx context.Context, cmd string) (string, error)
	UploadFile(ctx context.Context, localPath, remotePath string) error
	Disconnect() error
}

// Factory creates a fresh executor per node operation
type Factory func() Executor

// Config holds SSH connection settings
type Config struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
}

// SSHExecutor implements Executor over golang.org/x/crypto/ssh
type SSHExecutor struct {
	cfg    Config
	client *ssh.Client
	addr   string
	logger zerolog.Logger
}

// NewSSHExecutor creates an unconnected SSH executor
func NewSSHExecutor(cfg Config) *SSHExecutor {
	return &SSHExecutor{
		cfg:    cfg,
		logger: log.WithComponent("remote"),
	}
}

// NewSSHFactory returns a Factory producing SSH executors with cfg
func NewSSHFactory(cfg Config) Factory {
	return func() Executor { return NewSSHExecutor(cfg) }
}

// Connect dials the node and authenticates with its credentials
func (e *SSHExecutor) Connect(ctx context.Context, node *types.Node) error {
	auth, err := authMethods(node.Credentials)
	if err != nil {
		return fmt.Errorf("node %d: %w", node.ID, err)
	}
	hostKeys, err := e.hostKeyCallback()
	if err != nil {
		return err
	}

	port := node.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(node.Address, strconv.Itoa(port))
	clientCfg := &ssh.ClientConfig{
		User:            node.Credentials.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         e.cfg.ConnectTimeout,
	}

	dialCtx := ctx
	if e.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	e.client = ssh.NewClient(c, chans, reqs)
	e.addr = addr
	e.logger.Debug().Str("addr", addr).Str("user", node.Credentials.User).Msg("SSH connected")
	return nil
}

// Execute runs cmd and returns its combined output. A non-zero exit status
// is an error carrying the output.
func (e *SSHExecutor) Execute(ctx context.Context, cmd string) (string, error) {
	var out bytes.Buffer
	err := e.run(ctx, cmd, nil, &out)
	output := strings.TrimSpace(out.String())
	if err != nil {
		return output, fmt.Errorf("%q on %s: %w: %s", cmd, e.addr, err, output)
	}
	return output, nil
}

// UploadFile copies a local file to remotePath, creating parent directories
func (e *SSHExecutor) UploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", quote(path.Dir(remotePath)), quote(remotePath))
	var out bytes.Buffer
	if err := e.run(ctx, cmd, bytes.NewReader(data), &out); err != nil {
		return fmt.Errorf("failed to upload %s to %s:%s: %w: %s", localPath, e.addr, remotePath, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Disconnect closes the connection. It is safe to call when not connected.
func (e *SSHExecutor) Disconnect() error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) run(ctx context.Context, cmd string, stdin *bytes.Reader, out *bytes.Buffer) error {
	if e.client == nil {
		return ErrNotConnected
	}
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}

	session, err := e.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdout = out
	session.Stderr = out
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
}

func (e *SSHExecutor) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if e.cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(e.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", e.cfg.KnownHostsFile, err)
	}
	return cb, nil
}

func authMethods(creds types.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials")
	}
	return methods, nil
}

// quote wraps s in single quotes for a POSIX shell
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
