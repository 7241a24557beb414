package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret", "atrium")
	want := Principal{OrgID: "org-1", UserID: "user-1", Role: RoleAdmin}

	tok, err := v.Issue(want, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
}

func TestVerify_DefaultsRole(t *testing.T) {
	v := NewVerifier("s3cret", "")
	tok, _ := v.Issue(Principal{OrgID: "o", UserID: "u"}, time.Hour)
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Role != RoleMember {
		t.Errorf("Role = %q, want %q", p.Role, RoleMember)
	}
}

func TestVerify_Rejects(t *testing.T) {
	good := NewVerifier("s3cret", "atrium")

	expired := NewVerifier("s3cret", "atrium")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredTok, _ := expired.Issue(Principal{OrgID: "o", UserID: "u"}, time.Hour)

	otherKey, _ := NewVerifier("other", "atrium").Issue(Principal{OrgID: "o", UserID: "u"}, time.Hour)
	otherIss, _ := NewVerifier("s3cret", "someone-else").Issue(Principal{OrgID: "o", UserID: "u"}, time.Hour)
	noOrg, _ := good.Issue(Principal{UserID: "u"}, time.Hour)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{OrgID: "o", RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expiredTok,
		"wrong key":    otherKey,
		"wrong issuer": otherIss,
		"missing org":  noOrg,
		"alg none":     none,
		"garbage":      "not-a-token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := good.Verify(tok); err == nil {
				t.Error("Verify() succeeded, want error")
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cret", "")
	tok, _ := v.Issue(Principal{OrgID: "org-1", UserID: "user-1"}, time.Hour)

	var rejected error
	var seen Principal
	h := v.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen.OrgID != "org-1" || seen.UserID != "user-1" {
		t.Errorf("principal = %+v", seen)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized || rejected == nil {
		t.Errorf("missing token: code=%d rejected=%v", rec.Code, rejected)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
