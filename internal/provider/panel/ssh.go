package panel

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Shell runs a command on a remote host with stdin attached.
type Shell interface {
	Run(ctx context.Context, host string, stdin []byte, cmd string) error
}

type SSHShell struct {
	user    string
	signer  ssh.Signer
	timeout time.Duration
}

// NewSSHShell authenticates as user with the private key at keyPath.
func NewSSHShell(user, keyPath string) (*SSHShell, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key")
	}
	return &SSHShell{user: user, signer: signer, timeout: 30 * time.Second}, nil
}

func (s *SSHShell) Run(ctx context.Context, host string, stdin []byte, cmd string) error {
	addr := net.JoinHostPort(host, "22")
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfg := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		// nodes are created moments before this call; there is no known host key yet
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	client := ssh.NewClient(sc, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrap(err, "ssh session")
	}
	defer session.Close()
	session.Stdin = bytes.NewReader(stdin)
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return errors.Wrapf(err, "run on %s: %s", host, strings.TrimSpace(string(out)))
	}
	return nil
}
