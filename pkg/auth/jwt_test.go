package auth

import (
	"strings"
	"testing"
)

func withSecret(t *testing.T, secret string) {
	t.Helper()
	prev := JWTSecretKey
	JWTSecretKey = secret
	t.Cleanup(func() { JWTSecretKey = prev })
}

func TestAccessTokenRoundTrip(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateAccessToken("ops", "acct1")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token is not a JWT: %q", token)
	}

	claims, err := ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.SessionKey != "acct1" || claims.TokenName != "ops" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	withSecret(t, "test-secret")
	token, err := GenerateAccessToken("ops", "acct1")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	JWTSecretKey = "different-secret"
	if _, err := ValidateAccessToken(token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")
	for _, token := range []string{"", "abc", "a.b.c"} {
		if _, err := ValidateAccessToken(token); err == nil {
			t.Errorf("garbage token %q accepted", token)
		}
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	withSecret(t, "")
	if _, err := GenerateAccessToken("ops", "acct1"); err == nil {
		t.Fatal("token issued without a configured secret")
	}
}
