package adb

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// FakeConsole is an in-process emulator console for tests. It speaks
// enough of the console protocol for the name handshake and closes its
// connections when shut down, the way an exiting emulator does.
// This should only be used in tests.
type FakeConsole struct {
	Name  string
	Token string // when set, "avd name" requires "auth <Token>" first

	// Silent consoles accept connections and never write.
	Silent bool

	ln       net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	received []string
}

// Start listens on a free loopback port. Configure the console before
// starting it.
// This should only be used in tests.
func (fc *FakeConsole) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	fc.ln = ln
	go fc.serve()
	return nil
}

// Device returns the emulator serial adb would report for this console.
func (fc *FakeConsole) Device() Device {
	port := fc.ln.Addr().(*net.TCPAddr).Port
	return Device{ID: fmt.Sprintf("%s%d", EmulatorPrefix, port), Status: Online}
}

// Received returns every command line the console has read.
func (fc *FakeConsole) Received() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.received...)
}

// Close stops listening and drops all open connections.
func (fc *FakeConsole) Close() error {
	err := fc.ln.Close()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, c := range fc.conns {
		_ = c.Close()
	}
	fc.conns = nil
	return err
}

func (fc *FakeConsole) serve() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.conns = append(fc.conns, conn)
		fc.mu.Unlock()
		go fc.handle(conn)
	}
}

func (fc *FakeConsole) handle(conn net.Conn) {
	defer conn.Close()
	if fc.Silent {
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	if fc.Token != "" {
		fmt.Fprint(conn, "Android Console: Authentication required\r\n"+
			"Android Console: type 'auth <auth_token>' to authenticate\r\n"+
			"Android Console: you can find your <auth_token> in\r\n"+
			"'/home/user/.emulator_console_auth_token'\r\nOK\r\n")
	} else {
		fmt.Fprint(conn, "Android Console: type 'help' for a list of commands\r\nOK\r\n")
	}

	authed := fc.Token == ""
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fc.mu.Lock()
		fc.received = append(fc.received, line)
		fc.mu.Unlock()

		switch {
		case fc.Token != "" && line == "auth "+fc.Token:
			authed = true
			fmt.Fprint(conn, "Android Console: type 'help' for a list of commands\r\nOK\r\n")
		case line == "avd name" && authed:
			fmt.Fprintf(conn, "%s\r\nOK\r\n", fc.Name)
		default:
			fmt.Fprint(conn, "KO: unknown command, try 'help'\r\n")
		}
	}
}
