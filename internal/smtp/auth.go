package smtp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/infodancer/smtptest/internal/credentials"
)

// SASL mechanism names as advertised in the EHLO AUTH line.
const (
	MechPlain   = "PLAIN"
	MechLogin   = "LOGIN"
	MechCRAMMD5 = "CRAM-MD5"
	MechXOAuth2 = "XOAUTH2"
)

var errBadCredentials = errors.New("invalid credentials")

// AuthStatus is the outcome of one AuthFlow step.
type AuthStatus int

const (
	// AuthContinue means the returned challenge must be sent as a 334 reply.
	AuthContinue AuthStatus = iota
	AuthSucceeded
	AuthFailed
)

// AuthFlow is one run of a SASL mechanism. The engine calls Next with the
// decoded initial response (nil when absent) and then with each decoded
// client line until the status is no longer AuthContinue. A non-nil error
// reports a credential store failure; the status is then AuthFailed.
type AuthFlow interface {
	Next(ctx context.Context, response []byte) (challenge []byte, status AuthStatus, err error)
	// Username is the identity presented so far, empty if none.
	Username() string
}

// SupportedMechanism reports whether name (any case) has an AuthFlow.
func SupportedMechanism(name string) bool {
	switch strings.ToUpper(name) {
	case MechPlain, MechLogin, MechCRAMMD5, MechXOAuth2:
		return true
	}
	return false
}

// TokenVerifier validates XOAUTH2 bearer tokens and returns the identity
// they were issued to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (username string, err error)
}

// NewAuthFlow starts a flow for mechanism. hostname is used in CRAM-MD5
// challenges. A nil store knows no users. When verifier is non-nil, XOAUTH2
// tokens are checked with it instead of the store.
func NewAuthFlow(mechanism, hostname string, store credentials.Store, verifier TokenVerifier) (AuthFlow, error) {
	checker := passwordChecker{store: store}
	switch strings.ToUpper(mechanism) {
	case MechPlain:
		return newPlainFlow(checker), nil
	case MechLogin:
		return &loginFlow{checker: checker}, nil
	case MechCRAMMD5:
		return &cramMD5Flow{checker: checker, hostname: hostname}, nil
	case MechXOAuth2:
		return &xoauth2Flow{checker: checker, verifier: verifier}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
	}
}

type passwordChecker struct {
	store credentials.Store
}

// password returns the stored secret for user. ok is false for unknown users.
func (p passwordChecker) password(ctx context.Context, user string) (secret []byte, ok bool, err error) {
	if p.store == nil || user == "" {
		return nil, false, nil
	}
	secret, err = p.store.PasswordForUser(ctx, user)
	if errors.Is(err, credentials.ErrUnknownUser) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up credentials for %q: %w", user, err)
	}
	return secret, true, nil
}

func (p passwordChecker) check(ctx context.Context, user string, password []byte) (bool, error) {
	secret, ok, err := p.password(ctx, user)
	if !ok || err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(secret, password) == 1, nil
}

// plainFlow delegates RFC 4616 decoding to go-sasl.
type plainFlow struct {
	checker  passwordChecker
	server   sasl.Server
	ctx      context.Context
	username string
	storeErr error
}

func newPlainFlow(checker passwordChecker) *plainFlow {
	f := &plainFlow{checker: checker}
	f.server = sasl.NewPlainServer(func(identity, username, password string) error {
		f.username = username
		ok, err := f.checker.check(f.ctx, username, []byte(password))
		if err != nil {
			f.storeErr = err
			return err
		}
		if !ok {
			return errBadCredentials
		}
		return nil
	})
	return f
}

func (f *plainFlow) Next(ctx context.Context, response []byte) ([]byte, AuthStatus, error) {
	f.ctx = ctx
	challenge, done, err := f.server.Next(response)
	switch {
	case f.storeErr != nil:
		return nil, AuthFailed, f.storeErr
	case err != nil:
		return nil, AuthFailed, nil
	case !done:
		return challenge, AuthContinue, nil
	}
	return nil, AuthSucceeded, nil
}

func (f *plainFlow) Username() string { return f.username }

const (
	loginWantUsername = iota
	loginWantPassword
	loginDone
)

// loginFlow is the LOGIN mechanism. An initial response is the username.
type loginFlow struct {
	checker  passwordChecker
	step     int
	started  bool
	username string
}

func (f *loginFlow) Next(ctx context.Context, response []byte) ([]byte, AuthStatus, error) {
	if !f.started {
		f.started = true
		if response == nil {
			return []byte("Username:"), AuthContinue, nil
		}
	}

	switch f.step {
	case loginWantUsername:
		f.username = string(response)
		f.step = loginWantPassword
		return []byte("Password:"), AuthContinue, nil
	case loginWantPassword:
		f.step = loginDone
		ok, err := f.checker.check(ctx, f.username, response)
		if err != nil || !ok {
			return nil, AuthFailed, err
		}
		return nil, AuthSucceeded, nil
	default:
		return nil, AuthFailed, nil
	}
}

func (f *loginFlow) Username() string { return f.username }

// cramMD5Flow is RFC 2195 CRAM-MD5.
type cramMD5Flow struct {
	checker   passwordChecker
	hostname  string
	challenge []byte
	username  string
}

func (f *cramMD5Flow) Next(ctx context.Context, response []byte) ([]byte, AuthStatus, error) {
	if f.challenge == nil {
		if response != nil {
			// CRAM-MD5 has no initial response.
			return nil, AuthFailed, nil
		}
		f.challenge = []byte(fmt.Sprintf("<%d.%d@%s>", rand.Int64(), time.Now().UnixMilli(), f.hostname))
		return f.challenge, AuthContinue, nil
	}

	idx := bytes.LastIndexByte(response, ' ')
	if idx <= 0 {
		return nil, AuthFailed, nil
	}
	f.username = string(response[:idx])
	digest := strings.ToLower(string(response[idx+1:]))

	secret, ok, err := f.checker.password(ctx, f.username)
	if !ok || err != nil {
		return nil, AuthFailed, err
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(f.challenge)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return nil, AuthFailed, nil
	}
	return nil, AuthSucceeded, nil
}

func (f *cramMD5Flow) Username() string { return f.username }

// xoauth2Flow accepts "user=<u>\x01auth=Bearer <token>\x01\x01". The token
// is either verified and must name the same user, or compared with the
// stored password.
type xoauth2Flow struct {
	checker  passwordChecker
	verifier TokenVerifier
	asked    bool
	username string
}

func (f *xoauth2Flow) Next(ctx context.Context, response []byte) ([]byte, AuthStatus, error) {
	if response == nil && !f.asked {
		f.asked = true
		return []byte{}, AuthContinue, nil
	}

	user, token, ok := parseXOAuth2(string(response))
	if !ok {
		return nil, AuthFailed, nil
	}
	f.username = user
	if f.verifier != nil {
		owner, err := f.verifier.VerifyToken(ctx, token)
		if err != nil || !strings.EqualFold(owner, user) {
			return nil, AuthFailed, nil
		}
		return nil, AuthSucceeded, nil
	}
	valid, err := f.checker.check(ctx, user, []byte(token))
	if err != nil || !valid {
		return nil, AuthFailed, err
	}
	return nil, AuthSucceeded, nil
}

func (f *xoauth2Flow) Username() string { return f.username }

func parseXOAuth2(payload string) (user, token string, ok bool) {
	for _, field := range strings.Split(payload, "\x01") {
		switch {
		case strings.HasPrefix(field, "user="):
			user = strings.TrimPrefix(field, "user=")
		case strings.HasPrefix(field, "auth="):
			auth := strings.TrimPrefix(field, "auth=")
			scheme, value, found := strings.Cut(auth, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				return "", "", false
			}
			token = value
		}
	}
	return user, token, user != "" && token != ""
}

func encodeSASL(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeSASL decodes one base64 client response. "=" is the RFC 4954
// spelling of an empty initial response.
func decodeSASL(line string) ([]byte, bool) {
	if line == "=" {
		return []byte{}, true
	}
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, false
	}
	return data, true
}
