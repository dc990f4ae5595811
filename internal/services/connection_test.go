package services

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/mailforge/core/internal/database/models"
)

// startPlaintextIMAPServer runs a minimal IMAP endpoint that advertises no
// STARTTLS capability and accepts any LOGIN. Serves a single connection.
func startPlaintextIMAPServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "* OK [CAPABILITY IMAP4rev1] test server ready\r\n")
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			tag, cmd := fields[0], strings.ToUpper(fields[1])
			switch cmd {
			case "CAPABILITY":
				fmt.Fprintf(conn, "* CAPABILITY IMAP4rev1\r\n%s OK CAPABILITY completed\r\n", tag)
			case "LOGIN":
				fmt.Fprintf(conn, "%s OK LOGIN completed\r\n", tag)
			case "LOGOUT":
				fmt.Fprintf(conn, "* BYE see you\r\n%s OK LOGOUT completed\r\n", tag)
				return
			default:
				fmt.Fprintf(conn, "%s NO unsupported\r\n", tag)
			}
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// startPlaintextSMTPServer runs a minimal SMTP endpoint that does not
// advertise STARTTLS. Serves a single connection.
func startPlaintextSMTPServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "220 test ESMTP ready\r\n")
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			verb := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(verb, "EHLO"):
				fmt.Fprintf(conn, "250-test greets you\r\n250 AUTH PLAIN LOGIN\r\n")
			case strings.HasPrefix(verb, "HELO"):
				fmt.Fprintf(conn, "250 test greets you\r\n")
			case strings.HasPrefix(verb, "QUIT"):
				fmt.Fprintf(conn, "221 bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func plaintextIMAPAccount(host string, port int) *models.MailAccount {
	return &models.MailAccount{
		Email:    "plain@example.com",
		Username: "plain@example.com",
		IMAPHost: host,
		IMAPPort: port,
		AuthType: models.AuthTypePassword,
	}
}

// A server without STARTTLS gets no credentials: the dial fails auth-fatal
// before LOGIN is attempted.
func TestDialIMAP_PlaintextWithoutStartTLSRefused(t *testing.T) {
	host, port := startPlaintextIMAPServer(t)
	account := plaintextIMAPAccount(host, port)

	_, err := dialIMAP(account, imapCredential{Password: "secret"})
	if err == nil {
		t.Fatal("expected plaintext connection refused")
	}
	if !errors.Is(err, ErrTLSUnavailable) {
		t.Errorf("expected ErrTLSUnavailable, got %v", err)
	}
	if KindOf(err) != KindAuthFatal {
		t.Errorf("expected auth-fatal kind, got %s", KindOf(err))
	}
}

// AllowInsecureTLS is the explicit escape hatch for servers with no TLS path.
func TestDialIMAP_PlaintextOptIn(t *testing.T) {
	host, port := startPlaintextIMAPServer(t)
	account := plaintextIMAPAccount(host, port)
	account.AllowInsecureTLS = true

	c, err := dialIMAP(account, imapCredential{Password: "secret"})
	if err != nil {
		t.Fatalf("dialIMAP with opt-in failed: %v", err)
	}
	c.Logout()
}

func TestDialSMTP_PlaintextWithoutStartTLSRefused(t *testing.T) {
	host, port := startPlaintextSMTPServer(t)
	account := &models.MailAccount{
		Email:    "plain@example.com",
		Username: "plain@example.com",
		SMTPHost: host,
		SMTPPort: port,
		AuthType: models.AuthTypePassword,
	}

	_, err := dialSMTP(account)
	if err == nil {
		t.Fatal("expected plaintext connection refused")
	}
	if !errors.Is(err, ErrTLSUnavailable) {
		t.Errorf("expected ErrTLSUnavailable, got %v", err)
	}
	if KindOf(err) != KindAuthFatal {
		t.Errorf("expected auth-fatal kind, got %s", KindOf(err))
	}

	host, port = startPlaintextSMTPServer(t)
	account.SMTPHost = host
	account.SMTPPort = port
	account.AllowInsecureTLS = true

	c, err := dialSMTP(account)
	if err != nil {
		t.Fatalf("dialSMTP with opt-in failed: %v", err)
	}
	c.Quit()
}
