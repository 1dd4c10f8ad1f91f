package auth

import (
	"context"
	"testing"
	"time"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret", time.Hour)

	tok, err := s.GenerateToken("u1", "Ada", "student")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "u1" || claims.Name != "Ada" || claims.Role != "student" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestValidateRejectsOtherKey(t *testing.T) {
	tok, _ := NewSigner("a", time.Hour).GenerateToken("u1", "", "")
	if _, err := NewSigner("b", time.Hour).ValidateToken(tok); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	tok, _ := NewSigner("a", -time.Minute).GenerateToken("u1", "", "")
	if _, err := NewSigner("a", time.Hour).ValidateToken(tok); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestInspectSkipsSignature(t *testing.T) {
	tok, _ := NewSigner("whatever", time.Hour).GenerateToken("u9", "Grace", "")
	claims, err := Inspect(tok)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if claims.UserID != "u9" || claims.Name != "Grace" {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := Inspect("not-a-jwt"); err == nil {
		t.Error("expected parse error for garbage token")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"abc":        "abc",
		"":           "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContextClaims(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{UserID: "u1"})
	c, ok := FromContext(ctx)
	if !ok || c.UserID != "u1" {
		t.Fatalf("FromContext = %+v, %v", c, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no claims on empty context")
	}
}
