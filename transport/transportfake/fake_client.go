// Package transportfake provides a scripted transport.Client for tests.
package transportfake

import (
	"context"
	"sync"

	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/transport"
)

var _ transport.Client = (*FakeClient)(nil)

// FakeClient records every call and delegates to per-operation stubs. An
// operation without a stub fails the exchange with a network error so tests
// notice unscripted traffic instead of silently succeeding.
type FakeClient struct {
	lock  sync.Mutex
	calls map[string][]any

	SignInEmailPasswordStub   func(email, password string) (*transport.SignInResult, *transport.Error)
	SignInPATStub             func(pat string) (*session.Persisted, *transport.Error)
	SignInMfaTotpStub         func(ticket, otp string) (*session.Persisted, *transport.Error)
	SignUpEmailPasswordStub   func(email, password string, options *transport.SignUpOptions) (*session.Persisted, *transport.Error)
	RefreshTokenStub          func(refreshToken string) (*session.Persisted, *transport.Error)
	SignOutStub               func(accessToken, refreshToken string, all bool) *transport.Error
	ElevateStub               func(accessToken string, method transport.ElevationMethod) (*session.Persisted, *transport.Error)
	SendVerificationEmailStub func(email string) *transport.Error
	ChangeEmailStub           func(accessToken, newEmail string) *transport.Error
	ChangePasswordStub        func(accessToken, newPassword string) *transport.Error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{calls: make(map[string][]any)}
}

// CallCount returns how many times the named operation was invoked.
func (f *FakeClient) CallCount(op string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls[op])
}

// CallArgs returns the recorded arguments of the i-th invocation.
func (f *FakeClient) CallArgs(op string, i int) any {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[op][i]
}

func (f *FakeClient) record(op string, args any) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls[op] = append(f.calls[op], args)
}

func unscripted(op string) *transport.Error {
	return transport.NetworkError(nil).WithMessage("transportfake: no stub for " + op)
}

func (f *FakeClient) SignInEmailPassword(_ context.Context, email, password string) (*transport.SignInResult, *transport.Error) {
	f.record("SignInEmailPassword", [2]string{email, password})
	if f.SignInEmailPasswordStub == nil {
		return nil, unscripted("SignInEmailPassword")
	}
	return f.SignInEmailPasswordStub(email, password)
}

func (f *FakeClient) SignInPAT(_ context.Context, pat string) (*session.Persisted, *transport.Error) {
	f.record("SignInPAT", pat)
	if f.SignInPATStub == nil {
		return nil, unscripted("SignInPAT")
	}
	return f.SignInPATStub(pat)
}

func (f *FakeClient) SignInMfaTotp(_ context.Context, ticket, otp string) (*session.Persisted, *transport.Error) {
	f.record("SignInMfaTotp", [2]string{ticket, otp})
	if f.SignInMfaTotpStub == nil {
		return nil, unscripted("SignInMfaTotp")
	}
	return f.SignInMfaTotpStub(ticket, otp)
}

func (f *FakeClient) SignUpEmailPassword(_ context.Context, email, password string, options *transport.SignUpOptions) (*session.Persisted, *transport.Error) {
	f.record("SignUpEmailPassword", [2]string{email, password})
	if f.SignUpEmailPasswordStub == nil {
		return nil, unscripted("SignUpEmailPassword")
	}
	return f.SignUpEmailPasswordStub(email, password, options)
}

func (f *FakeClient) RefreshToken(_ context.Context, refreshToken string) (*session.Persisted, *transport.Error) {
	f.record("RefreshToken", refreshToken)
	if f.RefreshTokenStub == nil {
		return nil, unscripted("RefreshToken")
	}
	return f.RefreshTokenStub(refreshToken)
}

func (f *FakeClient) SignOut(_ context.Context, accessToken, refreshToken string, all bool) *transport.Error {
	f.record("SignOut", [3]any{accessToken, refreshToken, all})
	if f.SignOutStub == nil {
		return nil
	}
	return f.SignOutStub(accessToken, refreshToken, all)
}

func (f *FakeClient) Elevate(_ context.Context, accessToken string, method transport.ElevationMethod) (*session.Persisted, *transport.Error) {
	f.record("Elevate", [2]any{accessToken, method})
	if f.ElevateStub == nil {
		return nil, unscripted("Elevate")
	}
	return f.ElevateStub(accessToken, method)
}

func (f *FakeClient) SendVerificationEmail(_ context.Context, email string) *transport.Error {
	f.record("SendVerificationEmail", email)
	if f.SendVerificationEmailStub == nil {
		return nil
	}
	return f.SendVerificationEmailStub(email)
}

func (f *FakeClient) ChangeEmail(_ context.Context, accessToken, newEmail string) *transport.Error {
	f.record("ChangeEmail", [2]string{accessToken, newEmail})
	if f.ChangeEmailStub == nil {
		return nil
	}
	return f.ChangeEmailStub(accessToken, newEmail)
}

func (f *FakeClient) ChangePassword(_ context.Context, accessToken, newPassword string) *transport.Error {
	f.record("ChangePassword", [2]string{accessToken, newPassword})
	if f.ChangePasswordStub == nil {
		return nil
	}
	return f.ChangePasswordStub(accessToken, newPassword)
}
