package services

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	id "github.com/emersion/go-imap-id"
	"github.com/emersion/go-imap/client"
	"github.com/mailforge/core/internal/database/models"
)

const (
	connectionTimeout = 10 * time.Second
	// imapCommandTimeout bounds individual IMAP commands. Full folder scans
	// issue many fetches, each of which gets its own deadline.
	imapCommandTimeout = 5 * time.Minute
)

// imapCredential carries the resolved secret for an IMAP login. Exactly one
// of Password or AccessToken is set, matching the account's auth type.
type imapCredential struct {
	Password    string
	AccessToken string
}

// buildAddress builds a host:port address string
func buildAddress(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// dialIMAP connects and authenticates an IMAP session for the account.
// Connection and TLS negotiation failures come back transient; rejected
// credentials and a missing TLS path come back auth-fatal.
func dialIMAP(account *models.MailAccount, cred imapCredential) (*client.Client, error) {
	addr := buildAddress(account.IMAPHost, account.IMAPPort)
	dialer := &net.Dialer{Timeout: connectionTimeout}
	tlsConfig := &tls.Config{
		ServerName:         account.IMAPHost,
		InsecureSkipVerify: account.AllowInsecureTLS,
	}

	var c *client.Client
	if account.UseSSL {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, classifyDialErr("imap dial", err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, transientErr("imap greeting", err)
		}
	} else {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, classifyDialErr("imap dial", err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, transientErr("imap greeting", err)
		}
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				c.Logout()
				return nil, transientErr("imap starttls", err)
			}
		} else if !account.AllowInsecureTLS {
			// Without STARTTLS the login would cross the wire in the clear.
			// Refuse before any credential is sent; only the explicit
			// AllowInsecureTLS opt-in permits plaintext.
			c.Logout()
			return nil, authFatalErr("imap starttls", ErrTLSUnavailable)
		}
	}

	c.Timeout = imapCommandTimeout

	// Some providers (188.com, 163.com) refuse LOGIN until the client
	// identifies itself.
	if ok, _ := c.Support("ID"); ok {
		idClient := id.NewClient(c)
		idClient.ID(id.ID{
			id.FieldName:    "MailForge",
			id.FieldVersion: "1.0.0",
			id.FieldVendor:  "MailForge",
		})
	}

	if account.AuthType == models.AuthTypeOAuth2 {
		saslClient := NewXOAuth2Client(account.Username, cred.AccessToken)
		if err := c.Authenticate(saslClient); err != nil {
			c.Logout()
			return nil, classifyLoginErr("imap xoauth2", err)
		}
	} else {
		if err := c.Login(account.Username, cred.Password); err != nil {
			c.Logout()
			return nil, classifyLoginErr("imap login", err)
		}
	}

	return c, nil
}

// classifyDialErr maps a connect failure onto the retry taxonomy. Timeouts
// get the sentinel so callers can surface them distinctly.
func classifyDialErr(op string, err error) error {
	if isTimeout(err) {
		return transientErr(op, fmt.Errorf("%w: %v", ErrConnectionTimeout, err))
	}
	return transientErr(op, err)
}

// classifyLoginErr distinguishes rejected credentials from a server that is
// merely unhappy. Providers phrase rejections inconsistently, so anything
// that does not read like an auth failure stays retryable.
func classifyLoginErr(op string, err error) error {
	if isAuthRejection(err) {
		return authFatalErr(op, err)
	}
	return transientErr(op, err)
}

// XOAuth2Client implements the SASL XOAUTH2 mechanism
type XOAuth2Client struct {
	Username    string
	AccessToken string
}

// NewXOAuth2Client creates a new XOAUTH2 SASL client
func NewXOAuth2Client(username, accessToken string) *XOAuth2Client {
	return &XOAuth2Client{
		Username:    username,
		AccessToken: accessToken,
	}
}

// Start begins the XOAUTH2 authentication
func (c *XOAuth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.Username, c.AccessToken))
	return "XOAUTH2", ir, nil
}

// Next handles server challenges (XOAUTH2 doesn't have additional challenges)
func (c *XOAuth2Client) Next(challenge []byte) (response []byte, err error) {
	return nil, nil
}

// xoauth2SMTPAuth adapts the XOAUTH2 initial response to net/smtp's Auth
// interface for sending through OAuth accounts.
type xoauth2SMTPAuth struct {
	username    string
	accessToken string
}

func (a *xoauth2SMTPAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.accessToken))
	return "XOAUTH2", resp, nil
}

func (a *xoauth2SMTPAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server sent an error payload in base64; respond with an empty
		// line so it finishes the exchange with a definitive code.
		return []byte{}, nil
	}
	return nil, nil
}

// dialSMTP connects an SMTP client for the account, negotiating implicit TLS
// or STARTTLS per its settings. The caller owns Quit/Close.
func dialSMTP(account *models.MailAccount) (*smtp.Client, error) {
	addr := buildAddress(account.SMTPHost, account.SMTPPort)
	tlsConfig := &tls.Config{
		ServerName:         account.SMTPHost,
		InsecureSkipVerify: account.AllowInsecureTLS,
	}

	if account.UseSSL && account.SMTPPort == 465 {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: connectionTimeout}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, classifyDialErr("smtp dial", err)
		}
		c, err := smtp.NewClient(conn, account.SMTPHost)
		if err != nil {
			conn.Close()
			return nil, transientErr("smtp greeting", err)
		}
		return c, nil
	}

	conn, err := (&net.Dialer{Timeout: connectionTimeout}).Dial("tcp", addr)
	if err != nil {
		return nil, classifyDialErr("smtp dial", err)
	}
	c, err := smtp.NewClient(conn, account.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, transientErr("smtp greeting", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, transientErr("smtp starttls", err)
		}
	} else if !account.AllowInsecureTLS {
		c.Close()
		return nil, authFatalErr("smtp starttls", ErrTLSUnavailable)
	}
	return c, nil
}

// smtpAuthFor picks the SASL mechanism for the account. cred follows the
// same one-field convention as dialIMAP.
func smtpAuthFor(account *models.MailAccount, cred imapCredential) smtp.Auth {
	if account.AuthType == models.AuthTypeOAuth2 {
		return &xoauth2SMTPAuth{username: account.Username, accessToken: cred.AccessToken}
	}
	return smtp.PlainAuth("", account.Username, cred.Password, account.SMTPHost)
}

// ConnectionTestResult reports the outcome of probing one endpoint.
type ConnectionTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestIMAPConnection dials and authenticates against the account's IMAP
// endpoint without selecting a folder.
func (s *AccountService) TestIMAPConnection(account *models.MailAccount, cred imapCredential) ConnectionTestResult {
	c, err := dialIMAP(account, cred)
	if err != nil {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("IMAP connection failed: %v", err)}
	}
	c.Logout()
	return ConnectionTestResult{Success: true, Message: "IMAP connection and authentication successful"}
}

// TestSMTPConnection dials and authenticates against the account's SMTP
// endpoint without sending mail.
func (s *AccountService) TestSMTPConnection(account *models.MailAccount, cred imapCredential) ConnectionTestResult {
	c, err := dialSMTP(account)
	if err != nil {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("SMTP connection failed: %v", err)}
	}
	defer c.Close()

	if err := c.Auth(smtpAuthFor(account, cred)); err != nil {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("SMTP authentication failed: %v", err)}
	}
	c.Quit()
	return ConnectionTestResult{Success: true, Message: "SMTP connection and authentication successful"}
}

// TestConnection resolves the account credential and probes both endpoints.
func (s *AccountService) TestConnection(account *models.MailAccount, tokenService *TokenService) map[string]ConnectionTestResult {
	results := make(map[string]ConnectionTestResult)

	cred, err := resolveCredential(account, s, tokenService)
	if err != nil {
		failure := ConnectionTestResult{Success: false, Message: fmt.Sprintf("credential unavailable: %v", err)}
		results["imap"] = failure
		results["smtp"] = failure
		return results
	}

	results["imap"] = s.TestIMAPConnection(account, cred)
	results["smtp"] = s.TestSMTPConnection(account, cred)
	return results
}

// resolveCredential fetches the secret an account needs to authenticate:
// the decrypted password, or a valid (refreshed if needed) access token.
func resolveCredential(account *models.MailAccount, accounts *AccountService, tokens *TokenService) (imapCredential, error) {
	if account.AuthType == models.AuthTypeOAuth2 {
		access, err := tokens.GetValidToken(account)
		if err != nil {
			return imapCredential{}, err
		}
		return imapCredential{AccessToken: access}, nil
	}
	password, err := accounts.GetDecryptedPassword(account)
	if err != nil {
		return imapCredential{}, err
	}
	return imapCredential{Password: password}, nil
}

// isAuthRejection reports whether an IMAP/SMTP error text looks like a
// credential rejection rather than a transport problem.
func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"authentication failed", "authenticationfailed", "invalid credentials", "invalid login", "login failed", "535"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var errNoRefreshToken = errors.New("no refresh token available")
