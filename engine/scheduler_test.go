package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/go-auth-session/engine"
	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store/memory"
	"github.com/quayside/go-auth-session/transport"
	"github.com/quayside/go-auth-session/transport/transportfake"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestScheduler_FiresBeforeExpiryNeverAfter(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(refreshToken string) (*session.Persisted, *transport.Error) {
		require.Equal(t, "rt-1", refreshToken)
		return testBlob("at-2", "rt-2", 900), nil
	}
	f := newFixture(t, client)
	f.signIn(t)

	// The fire point for a 900s token is 810s (90% of the lifetime).
	f.clk.Advance(809 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.client.CallCount("RefreshToken"))

	f.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1
	}, waitFor, tick)

	// The rotated session is persisted with a fresh relative expiry.
	require.Eventually(t, func() bool {
		blob, err := f.store.Load()
		return err == nil && blob != nil && blob.AccessToken == "at-2"
	}, waitFor, tick)
	blob, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, int64(900), blob.AccessTokenExpiresIn)
	require.Equal(t, engine.SignedIn{Phase: engine.PhaseStable}, f.eng.State())
}

func TestScheduler_ShortLifetimeKeepsMargin(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.SignInEmailPasswordStub = func(_, _ string) (*transport.SignInResult, *transport.Error) {
		return &transport.SignInResult{Session: testBlob("at-1", "rt-1", 30)}, nil
	}
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return testBlob("at-2", "rt-2", 30), nil
	}
	f := newFixture(t, client)

	_, err := f.eng.SignInEmailPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	// For a 30s token the margin wins: 30-5=25s, not 27s.
	f.clk.Advance(24 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.client.CallCount("RefreshToken"))

	f.clk.Advance(1 * time.Second)
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1
	}, waitFor, tick)
}

func TestRefresh_CoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		<-release
		return testBlob("at-2", "rt-2", 900), nil
	}
	f := newFixture(t, client)
	f.signIn(t)

	results := make(chan *engine.AuthResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := f.eng.RefreshSession(context.Background(), true)
			require.NoError(t, err)
			results <- res
		}()
		if i == 0 {
			require.Eventually(t, func() bool {
				return f.client.CallCount("RefreshToken") == 1
			}, waitFor, tick)
		} else {
			// Give the second request time to reach the engine and coalesce.
			time.Sleep(100 * time.Millisecond)
		}
	}
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		require.Nil(t, res.Error)
		require.Equal(t, "at-2", res.Session.AccessToken)
	}
	require.Equal(t, 1, f.client.CallCount("RefreshToken"))
}

func TestRefresh_WithoutForceSkipsNetworkWhileValid(t *testing.T) {
	f := newFixture(t, transportfake.NewFakeClient())
	f.signIn(t)

	res, err := f.eng.RefreshSession(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Equal(t, "at-1", res.Session.AccessToken)
	require.Zero(t, f.client.CallCount("RefreshToken"))
}

func TestRefresh_NetworkFailureResilience(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, transport.NetworkError(nil)
		}
		return testBlob("at-2", "rt-2", 900), nil
	}
	f := newFixture(t, client)
	f.signIn(t)

	f.clk.Advance(810 * time.Second)
	require.Eventually(t, func() bool { return f.eng.RefreshAttempts() == 1 }, waitFor, tick)
	require.NotNil(t, f.eng.GetSession())

	// First retry lands 5s later (give or take jitter).
	f.clk.Advance(6 * time.Second)
	require.Eventually(t, func() bool { return f.eng.RefreshAttempts() == 2 }, waitFor, tick)
	require.NotNil(t, f.eng.GetSession())

	// Second retry doubles to ~10s and succeeds.
	f.clk.Advance(12 * time.Second)
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 3 && f.eng.RefreshAttempts() == 0
	}, waitFor, tick)
	require.Equal(t, engine.SignedIn{Phase: engine.PhaseStable}, f.eng.State())
	require.Equal(t, "at-2", f.eng.GetSession().AccessToken)
}

func TestRefresh_EmptySuccessEnvelopeRetainsSession(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return nil, nil
	}
	f := newFixture(t, client)
	f.signIn(t)

	// A 2xx token exchange without a session payload is a failed attempt,
	// not a reason to drop the current session.
	res, err := f.eng.RefreshSession(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, transport.SlugMalformedResponse, res.Error.Slug)
	require.Equal(t, "at-1", res.Session.AccessToken)
	require.Equal(t, engine.SignedIn{Phase: engine.PhaseStable}, f.eng.State())
	require.Equal(t, 1, f.eng.RefreshAttempts())
}

func TestRefresh_InvalidTokenForcesSignOut(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return nil, &transport.Error{Kind: transport.KindUnauthenticated, Status: 401, Slug: transport.SlugInvalidRefreshToken}
	}
	f := newFixture(t, client)
	f.signIn(t)

	var mu sync.Mutex
	var changes []engine.StateChange
	unsubscribe := f.eng.OnAuthStateChanged(func(c engine.StateChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})
	defer unsubscribe()

	res, err := f.eng.RefreshSession(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, transport.SlugInvalidRefreshToken, res.Error.Slug)
	require.Nil(t, res.Session)

	require.Equal(t, engine.SignedOut{}, f.eng.State())
	require.Nil(t, f.eng.GetSession())

	blob, loadErr := f.store.Load()
	require.NoError(t, loadErr)
	require.Nil(t, blob)

	// A forced sign-out is a presence change and must notify.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1 && !changes[0].SignedIn
	}, waitFor, tick)
}

func TestRefresh_StaleResponseAfterSignOutIsDropped(t *testing.T) {
	release := make(chan struct{})
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		<-release
		return testBlob("at-resurrected", "rt-2", 900), nil
	}
	f := newFixture(t, client)
	f.signIn(t)

	refreshDone := make(chan *engine.AuthResult, 1)
	go func() {
		res, err := f.eng.RefreshSession(context.Background(), true)
		require.NoError(t, err)
		refreshDone <- res
	}()
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1
	}, waitFor, tick)

	res, err := f.eng.SignOut(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Equal(t, engine.SignedOut{}, f.eng.State())

	// The superseded refresh settles with the sign-out outcome.
	staleRes := <-refreshDone
	require.Nil(t, staleRes.Session)

	// Let the stale network response land; it must not resurrect anything.
	close(release)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, engine.SignedOut{}, f.eng.State())
	require.Nil(t, f.eng.GetSession())
	blob, loadErr := f.store.Load()
	require.NoError(t, loadErr)
	require.Nil(t, blob)
}

func TestRefresh_PATSessionKeepsToken(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.SignInPATStub = func(pat string) (*session.Persisted, *transport.Error) {
		blob := testBlob("at-1", pat, 900)
		blob.PersonalAccessToken = true
		return blob, nil
	}
	client.RefreshTokenStub = func(refreshToken string) (*session.Persisted, *transport.Error) {
		require.Equal(t, "pat-1", refreshToken)
		// A PAT exchange returns no rotated token.
		return testBlob("at-2", "", 900), nil
	}
	f := newFixture(t, client)

	res, err := f.eng.SignInPAT(context.Background(), "pat-1")
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.True(t, res.Session.PersonalAccessToken)

	res, err = f.eng.RefreshSession(context.Background(), true)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Equal(t, "at-2", res.Session.AccessToken)
	require.Equal(t, "pat-1", res.Session.RefreshToken)
	require.True(t, res.Session.PersonalAccessToken)
}

func seedStore(t *testing.T, st *memory.Store) {
	t.Helper()
	require.NoError(t, st.Save(testBlob("at-stale", "rt-1", 0)))
}

func TestImport_SilentRefreshAtStartup(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(refreshToken string) (*session.Persisted, *transport.Error) {
		require.Equal(t, "rt-1", refreshToken)
		return testBlob("at-1", "rt-2", 900), nil
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedIn{Phase: engine.PhaseStable})
	}, waitFor, tick)
	require.Equal(t, testUserID, f.eng.GetSession().User.ID)
	require.Equal(t, 1, f.client.CallCount("RefreshToken"))
}

func TestImport_InvalidTokenEndsSignedOutWithStoreCleared(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return nil, &transport.Error{Kind: transport.KindUnauthenticated, Status: 401, Slug: transport.SlugInvalidRefreshToken}
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedOut{})
	}, waitFor, tick)
	require.Nil(t, f.eng.GetSession())

	blob, err := st.Load()
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestImport_EmptySuccessEnvelopeKeepsBlob(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return &session.Persisted{}, nil
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedOut{})
	}, waitFor, tick)
	require.Nil(t, f.eng.GetSession())

	// The unusable exchange is a service bug, not proof the stored session
	// is dead; the blob stays for the next run.
	blob, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.Equal(t, "rt-1", blob.RefreshToken)
}

func TestImport_RetriesThroughNetworkFailure(t *testing.T) {
	var mu sync.Mutex
	failures := 1
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, transport.NetworkError(nil)
		}
		return testBlob("at-1", "rt-2", 900), nil
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1 && f.clk.PendingTimers() == 1
	}, waitFor, tick)
	// Offline is not signed out: the import keeps trying.
	require.Equal(t, engine.Authenticating{Import: true}, f.eng.State())

	f.clk.Advance(6 * time.Second)
	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedIn{Phase: engine.PhaseStable})
	}, waitFor, tick)
	require.Equal(t, 2, f.client.CallCount("RefreshToken"))
}

func TestImport_GivesUpAfterMaxAttemptsButKeepsBlob(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return nil, transport.NetworkError(nil)
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	for attempt := 1; attempt < 5; attempt++ {
		expected := attempt
		require.Eventually(t, func() bool {
			return f.client.CallCount("RefreshToken") == expected && f.clk.PendingTimers() == 1
		}, waitFor, tick)
		// Cover the whole backoff curve: the cap plus jitter is under 360s.
		f.clk.Advance(360 * time.Second)
	}

	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedOut{})
	}, waitFor, tick)
	require.Equal(t, 5, f.client.CallCount("RefreshToken"))

	// The blob survives so the next process start can try again online.
	blob, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, blob)
}

func TestImport_SupersededByExplicitSignIn(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return nil, transport.NetworkError(nil)
	}
	client.SignInEmailPasswordStub = func(_, _ string) (*transport.SignInResult, *transport.Error) {
		return &transport.SignInResult{Session: testBlob("at-fresh", "rt-fresh", 900)}, nil
	}
	st := memory.New()
	seedStore(t, st)

	f := newFixture(t, client, engine.WithStore(st))
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1 && f.clk.PendingTimers() == 1
	}, waitFor, tick)

	res, err := f.eng.SignInEmailPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.Equal(t, "at-fresh", res.Session.AccessToken)
	require.Equal(t, engine.SignedIn{Phase: engine.PhaseStable}, f.eng.State())

	// The abandoned import retry was cancelled and never fires another
	// exchange.
	f.clk.Advance(6 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.client.CallCount("RefreshToken"))
}

func TestAutoRefreshDisabled(t *testing.T) {
	client := transportfake.NewFakeClient()
	f := newFixture(t, client, engine.WithAutoRefresh(false))
	f.signIn(t)

	require.Zero(t, f.clk.PendingTimers())
	f.clk.Advance(900 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.client.CallCount("RefreshToken"))
}

func TestWithRefreshInterval_CapsSchedule(t *testing.T) {
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return testBlob("at-2", "rt-2", 900), nil
	}
	f := newFixture(t, client, engine.WithRefreshInterval(60*time.Second))
	f.signIn(t)

	f.clk.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1
	}, waitFor, tick)
}
