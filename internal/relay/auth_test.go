package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewAuthenticator_RequiresMethod(t *testing.T) {
	if _, err := NewAuthenticator("", false); err == nil {
		t.Fatal("expected error with neither secret nor dev sessions")
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	auth, err := NewAuthenticator("s3cret", true)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	good, err := auth.IssueToken("session-1", "clinician-7", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	noSubject, _ := auth.IssueToken("session-1", "", 0)
	expired, _ := auth.IssueToken("session-1", "", -time.Minute)
	other, _ := NewAuthenticator("other-secret", false)
	foreign, _ := other.IssueToken("session-1", "", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{SessionID: "session-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	dev := NewDevSessionID()

	tests := []struct {
		name       string
		sessionID  string
		token      string
		wantID     string
		wantReason string
	}{
		{name: "valid token uses subject", sessionID: "session-1", token: good, wantID: "clinician-7"},
		{name: "valid token without subject", sessionID: "session-1", token: noSubject, wantID: "session-1"},
		{name: "session mismatch", sessionID: "session-2", token: good, wantReason: ReasonSessionMismatch},
		{name: "wrong key", sessionID: "session-1", token: foreign, wantReason: ReasonBadToken},
		{name: "expired", sessionID: "session-1", token: expired, wantReason: ReasonBadToken},
		{name: "alg none", sessionID: "session-1", token: none, wantReason: ReasonBadToken},
		{name: "garbage", sessionID: "session-1", token: "not.a.jwt", wantReason: ReasonBadToken},
		{name: "dev session", sessionID: dev, wantID: dev},
		{name: "non-dev without token", sessionID: "session-1", wantReason: ReasonBadToken},
		{name: "missing session", token: good, wantReason: ReasonMissingParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := auth.Verify(tt.sessionID, tt.token)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				if id != tt.wantID {
					t.Errorf("identity = %q, want %q", id, tt.wantID)
				}
				return
			}
			var ae *AuthenticationError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want *AuthenticationError", err)
			}
			if ae.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", ae.Reason, tt.wantReason)
			}
		})
	}
}

func TestAuthenticator_DevSessionsDisabled(t *testing.T) {
	auth, _ := NewAuthenticator("s3cret", false)
	if _, err := auth.Verify(NewDevSessionID(), ""); err == nil {
		t.Fatal("dev session accepted with dev sessions disabled")
	}
}

func TestIsDevSession(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sess-3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"sess-3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"sess-3f2504e04f8941d39a0c0305e82c3301", false},
		{"sess-", false},
		{"3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
		{"session-3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
	}
	for _, tt := range tests {
		if got := IsDevSession(tt.id); got != tt.want {
			t.Errorf("IsDevSession(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	patterns := []string{"app.example.com", "*.clinic.test"}
	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://APP.example.com", true},
		{"https://eu.clinic.test", true},
		{"https://evil.example.com", false},
		{"null", false},
	}
	for _, tt := range tests {
		err := checkOrigin(tt.origin, patterns)
		if (err == nil) != tt.ok {
			t.Errorf("checkOrigin(%q) = %v, want ok=%v", tt.origin, err, tt.ok)
		}
		if err != nil {
			var oe *OriginRejectedError
			if !errors.As(err, &oe) {
				t.Errorf("checkOrigin(%q) error type = %T", tt.origin, err)
			}
		}
	}
	if err := checkOrigin("https://anything.test", nil); err != nil {
		t.Errorf("empty allow-list should admit everything, got %v", err)
	}
}
