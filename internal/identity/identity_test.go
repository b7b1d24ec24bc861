// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"errors"
	"testing"
	"time"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool("pool-1", "0123456789abcdef0123456789abcdef", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSignUpAuthenticateVerify(t *testing.T) {
	p := newTestPool(t)
	if err := p.SignUp("alice", "hunter2hunter2", []string{"devs"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	token, err := p.Authenticate("alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	claims, err := p.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Username != "alice" || claims.PoolID != "pool-1" {
		t.Errorf("claims = %+v", claims)
	}
	if len(claims.Groups) != 1 || claims.Groups[0] != "devs" {
		t.Errorf("groups = %v", claims.Groups)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	p := newTestPool(t)
	if err := p.SignUp("alice", "correct-password", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Authenticate("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := p.Authenticate("nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: %v", err)
	}
}

func TestDuplicateSignUp(t *testing.T) {
	p := newTestPool(t)
	if err := p.SignUp("alice", "pw-long-enough", nil); err != nil {
		t.Fatal(err)
	}
	if err := p.SignUp("alice", "pw-long-enough", nil); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate sign-up: %v", err)
	}
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	p := newTestPool(t)
	other, err := NewPool("pool-2", "another-secret-another-secret!!!", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.SignUp("bob", "bob-password-1", nil); err != nil {
		t.Fatal(err)
	}
	token, err := other.Authenticate("bob", "bob-password-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Verify(token); err == nil {
		t.Error("token from another pool accepted")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	p, err := NewPool("pool-1", "0123456789abcdef0123456789abcdef", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SignUp("alice", "pw-long-enough", nil); err != nil {
		t.Fatal(err)
	}
	token, err := p.Authenticate("alice", "pw-long-enough")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := p.Verify(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestReset(t *testing.T) {
	p := newTestPool(t)
	if err := p.SignUp("alice", "pw-long-enough", nil); err != nil {
		t.Fatal(err)
	}
	p.Reset()
	if _, err := p.Authenticate("alice", "pw-long-enough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("user survived reset: %v", err)
	}
}
