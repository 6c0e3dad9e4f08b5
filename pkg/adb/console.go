package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/stream"
)

// AuthTokenFile is where the emulator stores its console auth token,
// relative to the user's home directory.
const AuthTokenFile = ".emulator_console_auth_token"

// DefaultAuthTokenPath returns the console auth token location for the
// current user, or "" when the home directory is unknown.
func DefaultAuthTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, AuthTokenFile)
}

// console is one connection to an emulator console port.
type console struct {
	conn net.Conn
	tok  *stream.Tokenizer
	id   string
}

func (r *Registry) dialConsole(ctx context.Context, d Device, timeout time.Duration) (*console, error) {
	port, err := d.Port()
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.consoleHost(), strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &console{conn: conn, tok: stream.NewLineTokenizer(conn), id: d.ID}, nil
}

func (c *console) send(cmd string) error {
	logger.Info("sending to %s: %s", c.id, redact(cmd))
	_, err := io.WriteString(c.conn, cmd+"\n")
	return err
}

// next returns the next non-blank console line.
func (c *console) next() (string, error) {
	for {
		line, err := c.tok.Next()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("console %s closed the connection", c.id)
			}
			return "", err
		}
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
}

// awaitOK skips lines until the console acknowledges with OK.
func (c *console) awaitOK() error {
	for {
		line, err := c.next()
		if err != nil {
			return err
		}
		if line == "OK" {
			return nil
		}
		if strings.HasPrefix(line, "KO") {
			return fmt.Errorf("console %s rejected command: %s", c.id, line)
		}
	}
}

// ConsoleName asks the emulator behind d for its AVD name: wait for the
// greeting's OK, authenticate when a token is configured, then send
// "avd name" and take the first line that is not OK.
func (r *Registry) ConsoleName(ctx context.Context, d Device) (string, error) {
	timeout := r.handshakeTimeout()
	c, err := r.dialConsole(ctx, d, timeout)
	if err != nil {
		return "", err
	}
	defer c.conn.Close()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := c.awaitOK(); err != nil {
		return "", err
	}

	if token := r.authToken(); token != "" {
		if err := c.send("auth " + token); err != nil {
			return "", err
		}
		if err := c.awaitOK(); err != nil {
			return "", fmt.Errorf("console auth: %w", err)
		}
	}

	if err := c.send("avd name"); err != nil {
		return "", err
	}
	for {
		line, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if strings.HasPrefix(line, "KO") {
			return "", fmt.Errorf("console %s rejected avd name: %s", d.ID, line)
		}
		if line != "OK" {
			logger.Info("devName: %s -> %s", d.ID, line)
			return line, nil
		}
	}
}

// awaitShutdown idles on the console port until the emulator drops the
// connection. A refused dial means it is already gone. Running out of time
// is not an error: the caller already got a clean kill from adb.
func (r *Registry) awaitShutdown(ctx context.Context, d Device) error {
	timeout := r.killTimeout()
	c, err := r.dialConsole(ctx, d, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logger.Debug("console %s unreachable after kill: %v", d.ID, err)
		return nil
	}
	defer c.conn.Close()

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	_, err = io.Copy(io.Discard, c.conn)
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &ne) && ne.Timeout():
		logger.Warn("emulator %s still holds its console after %v, assuming shutdown", d.ID, timeout)
	default:
		logger.Info("emulator %s closed its console", d.ID)
	}
	return nil
}

func (r *Registry) authToken() string {
	if r.AuthTokenPath == "" {
		return ""
	}
	data, err := os.ReadFile(r.AuthTokenPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func redact(cmd string) string {
	if strings.HasPrefix(cmd, "auth ") {
		return "auth ****"
	}
	return cmd
}
