package smtp

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"regexp"
	"testing"

	"github.com/infodancer/smtptest/internal/credentials"
)

func testStore() credentials.Store {
	return credentials.NewMapStore(map[string]string{"jdoe": "secret"})
}

type failingStore struct{}

func (failingStore) PasswordForUser(context.Context, string) ([]byte, error) {
	return nil, errors.New("store offline")
}

func newFlow(t *testing.T, mechanism string, store credentials.Store) AuthFlow {
	t.Helper()
	flow, err := NewAuthFlow(mechanism, "mail.test", store, nil)
	if err != nil {
		t.Fatalf("NewAuthFlow(%q): %v", mechanism, err)
	}
	return flow
}

// step calls Next and checks the status.
func step(t *testing.T, flow AuthFlow, response []byte, want AuthStatus) []byte {
	t.Helper()
	challenge, status, err := flow.Next(context.Background(), response)
	if err != nil {
		t.Fatalf("Next(%q): %v", response, err)
	}
	if status != want {
		t.Fatalf("Next(%q) status = %v, want %v", response, status, want)
	}
	return challenge
}

func TestNewAuthFlow_Unsupported(t *testing.T) {
	_, err := NewAuthFlow("GSSAPI", "mail.test", testStore(), nil)
	if !errors.Is(err, ErrUnsupportedMechanism) {
		t.Errorf("expected ErrUnsupportedMechanism, got %v", err)
	}
}

func TestSupportedMechanism(t *testing.T) {
	for _, m := range []string{"plain", "LOGIN", "cram-md5", "XOAUTH2"} {
		if !SupportedMechanism(m) {
			t.Errorf("SupportedMechanism(%q) = false", m)
		}
	}
	if SupportedMechanism("DIGEST-MD5") {
		t.Error("DIGEST-MD5 should not be supported")
	}
}

func TestPlainFlow(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     AuthStatus
	}{
		{"valid", "\x00jdoe\x00secret", AuthSucceeded},
		{"valid with authzid", "jdoe\x00jdoe\x00secret", AuthSucceeded},
		{"wrong password", "\x00jdoe\x00wrong", AuthFailed},
		{"unknown user", "\x00nobody\x00secret", AuthFailed},
		{"malformed", "jdoe secret", AuthFailed},
		{"empty", "", AuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := newFlow(t, MechPlain, testStore())
			step(t, flow, []byte(tt.response), tt.want)
		})
	}
}

func TestPlainFlow_WithoutInitialResponse(t *testing.T) {
	flow := newFlow(t, MechPlain, testStore())
	challenge := step(t, flow, nil, AuthContinue)
	if len(challenge) != 0 {
		t.Errorf("expected empty challenge, got %q", challenge)
	}
	step(t, flow, []byte("\x00jdoe\x00secret"), AuthSucceeded)
	if flow.Username() != "jdoe" {
		t.Errorf("Username() = %q, want jdoe", flow.Username())
	}
}

func TestPlainFlow_StoreError(t *testing.T) {
	flow := newFlow(t, MechPlain, failingStore{})
	_, status, err := flow.Next(context.Background(), []byte("\x00jdoe\x00secret"))
	if err == nil {
		t.Fatal("expected store error")
	}
	if status != AuthFailed {
		t.Errorf("status = %v, want AuthFailed", status)
	}
}

func TestLoginFlow(t *testing.T) {
	flow := newFlow(t, MechLogin, testStore())

	if got := step(t, flow, nil, AuthContinue); string(got) != "Username:" {
		t.Errorf("first challenge = %q, want Username:", got)
	}
	if got := step(t, flow, []byte("jdoe"), AuthContinue); string(got) != "Password:" {
		t.Errorf("second challenge = %q, want Password:", got)
	}
	step(t, flow, []byte("secret"), AuthSucceeded)
}

func TestLoginFlow_InitialResponseIsUsername(t *testing.T) {
	flow := newFlow(t, MechLogin, testStore())

	if got := step(t, flow, []byte("jdoe"), AuthContinue); string(got) != "Password:" {
		t.Errorf("challenge = %q, want Password:", got)
	}
	step(t, flow, []byte("secret"), AuthSucceeded)
}

func TestLoginFlow_WrongPassword(t *testing.T) {
	flow := newFlow(t, MechLogin, testStore())
	step(t, flow, nil, AuthContinue)
	step(t, flow, []byte("jdoe"), AuthContinue)
	step(t, flow, []byte("nope"), AuthFailed)
}

func cramResponse(user, secret string, challenge []byte) []byte {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(challenge)
	return []byte(user + " " + hex.EncodeToString(mac.Sum(nil)))
}

func TestCRAMMD5Flow(t *testing.T) {
	challengePattern := regexp.MustCompile(`^<\d+\.\d+@mail\.test>$`)

	tests := []struct {
		name   string
		user   string
		secret string
		want   AuthStatus
	}{
		{"correct digest", "jdoe", "secret", AuthSucceeded},
		{"wrong secret", "jdoe", "guess", AuthFailed},
		{"unknown user", "nobody", "secret", AuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := newFlow(t, MechCRAMMD5, testStore())
			challenge := step(t, flow, nil, AuthContinue)
			if !challengePattern.Match(challenge) {
				t.Fatalf("challenge %q does not match %s", challenge, challengePattern)
			}
			step(t, flow, cramResponse(tt.user, tt.secret, challenge), tt.want)
		})
	}
}

func TestCRAMMD5Flow_ChallengesDiffer(t *testing.T) {
	a := step(t, newFlow(t, MechCRAMMD5, testStore()), nil, AuthContinue)
	b := step(t, newFlow(t, MechCRAMMD5, testStore()), nil, AuthContinue)
	if string(a) == string(b) {
		t.Errorf("two challenges are identical: %q", a)
	}
}

func TestCRAMMD5Flow_RejectsInitialResponse(t *testing.T) {
	flow := newFlow(t, MechCRAMMD5, testStore())
	step(t, flow, []byte("jdoe 00"), AuthFailed)
}

func TestCRAMMD5Flow_MalformedResponse(t *testing.T) {
	flow := newFlow(t, MechCRAMMD5, testStore())
	step(t, flow, nil, AuthContinue)
	step(t, flow, []byte("no-digest"), AuthFailed)
}

func TestXOAuth2Flow(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     AuthStatus
	}{
		{"valid token", "user=jdoe\x01auth=Bearer secret\x01\x01", AuthSucceeded},
		{"wrong token", "user=jdoe\x01auth=Bearer other\x01\x01", AuthFailed},
		{"not bearer", "user=jdoe\x01auth=Basic secret\x01\x01", AuthFailed},
		{"missing user", "auth=Bearer secret\x01\x01", AuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := newFlow(t, MechXOAuth2, testStore())
			step(t, flow, []byte(tt.response), tt.want)
		})
	}
}

func TestXOAuth2Flow_WithoutInitialResponse(t *testing.T) {
	flow := newFlow(t, MechXOAuth2, testStore())
	step(t, flow, nil, AuthContinue)
	step(t, flow, []byte("user=jdoe\x01auth=Bearer secret\x01\x01"), AuthSucceeded)
}

type tokenTable map[string]string

func (t tokenTable) VerifyToken(_ context.Context, token string) (string, error) {
	if user, ok := t[token]; ok {
		return user, nil
	}
	return "", errors.New("unknown token")
}

func TestXOAuth2Flow_WithVerifier(t *testing.T) {
	verifier := tokenTable{"tok-jdoe": "jdoe@example.org"}

	tests := []struct {
		name     string
		response string
		want     AuthStatus
	}{
		{"token for user", "user=jdoe@example.org\x01auth=Bearer tok-jdoe\x01\x01", AuthSucceeded},
		{"case-insensitive user", "user=JDoe@Example.org\x01auth=Bearer tok-jdoe\x01\x01", AuthSucceeded},
		{"token for someone else", "user=eve@example.org\x01auth=Bearer tok-jdoe\x01\x01", AuthFailed},
		{"unknown token", "user=jdoe@example.org\x01auth=Bearer forged\x01\x01", AuthFailed},
		{"store password is not a token", "user=jdoe\x01auth=Bearer secret\x01\x01", AuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, err := NewAuthFlow(MechXOAuth2, "mail.test", testStore(), verifier)
			if err != nil {
				t.Fatalf("NewAuthFlow: %v", err)
			}
			step(t, flow, []byte(tt.response), tt.want)
		})
	}
}

func TestNilStoreKnowsNoUsers(t *testing.T) {
	flow := newFlow(t, MechPlain, nil)
	step(t, flow, []byte("\x00jdoe\x00secret"), AuthFailed)
}

func TestDecodeSASL(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"=", "", true},
		{"amRvZQ==", "jdoe", true},
		{"", "", true},
		{"not base64!", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := decodeSASL(tt.line)
			if ok != tt.ok {
				t.Fatalf("decodeSASL(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if string(got) != tt.want {
				t.Errorf("decodeSASL(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}
