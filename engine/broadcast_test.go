package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/go-auth-session/broadcast"
	"github.com/quayside/go-auth-session/clock"
	"github.com/quayside/go-auth-session/engine"
	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store/memory"
	"github.com/quayside/go-auth-session/transport"
	"github.com/quayside/go-auth-session/transport/transportfake"
)

func TestBroadcast_SiblingAdoptsSession(t *testing.T) {
	bus := broadcast.NewMemory()
	clk := clock.NewFake(testStart)

	clientA := transportfake.NewFakeClient()
	clientA.SignInEmailPasswordStub = func(_, _ string) (*transport.SignInResult, *transport.Error) {
		return &transport.SignInResult{Session: testBlob("at-1", "rt-1", 900)}, nil
	}
	engA, err := engine.New(clientA,
		engine.WithClock(clk), engine.WithStore(memory.New()), engine.WithBroadcaster(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engA.Close() })

	clientB := transportfake.NewFakeClient()
	engB, err := engine.New(clientB,
		engine.WithClock(clk), engine.WithStore(memory.New()), engine.WithBroadcaster(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engB.Close() })

	res, err := engA.SignInEmailPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.Nil(t, res.Error)

	// B adopts A's session from the broadcast without its own exchange.
	require.Eventually(t, func() bool {
		return engB.State() == engine.State(engine.SignedIn{Phase: engine.PhaseStable})
	}, waitFor, tick)
	require.Equal(t, "at-1", engB.GetSession().AccessToken)
	require.Zero(t, clientB.CallCount("RefreshToken"))

	// A's sign-out propagates the same way.
	_, err = engA.SignOut(context.Background(), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return engB.State() == engine.State(engine.SignedOut{})
	}, waitFor, tick)
	require.Nil(t, engB.GetSession())
}

func TestBroadcast_AdoptionSuppressesOwnRefresh(t *testing.T) {
	bus := broadcast.NewMemory()
	client := transportfake.NewFakeClient()
	client.RefreshTokenStub = func(_ string) (*session.Persisted, *transport.Error) {
		return testBlob("at-own", "rt-own", 900), nil
	}
	f := newFixture(t, client, engine.WithBroadcaster(bus))

	// A sibling announces a session whose refresh would fall due 1s from
	// now, inside the suppression window.
	require.NoError(t, bus.Publish(broadcast.Message{
		SenderID: "sibling",
		Kind:     broadcast.KindSessionUpdated,
		Session:  testBlob("at-sib", "rt-sib", 6),
	}))
	require.Eventually(t, func() bool {
		return f.eng.State() == engine.State(engine.SignedIn{Phase: engine.PhaseStable})
	}, waitFor, tick)
	require.Equal(t, "at-sib", f.eng.GetSession().AccessToken)

	// The locally scheduled refresh fires inside the window and yields.
	f.clk.Advance(1 * time.Second)
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, f.client.CallCount("RefreshToken"))

	// Once the window has passed the engine refreshes itself again.
	f.clk.Advance(4 * time.Second)
	require.Eventually(t, func() bool {
		return f.client.CallCount("RefreshToken") == 1
	}, waitFor, tick)
}

func TestBroadcast_UpdateReplacesCurrentSession(t *testing.T) {
	bus := broadcast.NewMemory()
	f := newFixture(t, transportfake.NewFakeClient(), engine.WithBroadcaster(bus))
	f.signIn(t)

	require.NoError(t, bus.Publish(broadcast.Message{
		SenderID: "sibling",
		Kind:     broadcast.KindSessionUpdated,
		Session:  testBlob("at-sib", "rt-sib", 900),
	}))
	require.Eventually(t, func() bool {
		s := f.eng.GetSession()
		return s != nil && s.AccessToken == "at-sib"
	}, waitFor, tick)
}
