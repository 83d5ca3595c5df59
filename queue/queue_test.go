package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klppl/fedcore"
	"github.com/klppl/fedcore/httpsig"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, debug bool) *fedcore.FederationConfig {
	t.Helper()
	kp, err := httpsig.GenerateKeyPair()
	require.NoError(t, err)

	cfg, err := fedcore.NewFederationConfigBuilder("a.test").
		WithDebug(debug).
		WithSignedFetchActor(&fedcore.ActorIdentity{
			KeyID:         "https://a.test/actor#main-key",
			PrivateKeyPEM: kp.PrivateKeyPEM,
		}).
		Build()
	require.NoError(t, err)
	return cfg
}

func TestDeliver_DebugModeReturnsNilOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, true)
	q := New(cfg)

	err := q.Deliver(context.Background(), []byte(`{"type":"Create"}`), []string{srv.URL + "/inbox"})
	require.NoError(t, err)
}

func TestDeliver_DebugModeSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t, true)
	q := New(cfg)

	err := q.Deliver(context.Background(), []byte(`{"type":"Create"}`), []string{srv.URL + "/inbox"})
	require.Error(t, err)
}

func TestDeliver_NonDebugEnqueuesAndRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg, err := fedcore.NewFederationConfigBuilder("a.test").
		WithSignedFetchActor(mustIdentity(t)).
		Build()
	require.NoError(t, err)

	q := New(cfg)
	retrySchedule = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
	defer func() { retrySchedule = []time.Duration{60 * time.Second, time.Hour, 60 * time.Hour} }()

	err = q.Deliver(context.Background(), []byte(`{"type":"Create"}`), []string{srv.URL + "/inbox"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hits.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Shutdown(context.Background()))
}

func mustIdentity(t *testing.T) *fedcore.ActorIdentity {
	t.Helper()
	kp, err := httpsig.GenerateKeyPair()
	require.NoError(t, err)
	return &fedcore.ActorIdentity{KeyID: "https://a.test/actor#main-key", PrivateKeyPEM: kp.PrivateKeyPEM}
}

func TestTargets_DeduplicatesSharedInbox(t *testing.T) {
	cfg := testConfig(t, true)
	rd := fedcore.NewRequestData(context.Background(), cfg)

	resolve := func(ctx context.Context, rd *fedcore.RequestData, actorURL string) (RecipientInbox, error) {
		switch actorURL {
		case "https://b.test/u/alice":
			return RecipientInbox{Inbox: "https://b.test/u/alice/inbox", SharedInbox: "https://b.test/inbox"}, nil
		case "https://b.test/u/bob":
			return RecipientInbox{Inbox: "https://b.test/u/bob/inbox", SharedInbox: "https://b.test/inbox"}, nil
		case "https://c.test/u/carol":
			return RecipientInbox{Inbox: "https://c.test/u/carol/inbox"}, nil
		}
		return RecipientInbox{}, nil
	}

	targets := Targets(context.Background(), rd, []string{
		"https://b.test/u/alice",
		"https://b.test/u/bob",
		"https://c.test/u/carol",
	}, resolve)

	require.ElementsMatch(t, []string{"https://b.test/inbox", "https://c.test/u/carol/inbox"}, targets)
}

func TestResyncer_RefreshesEachActorOncePerPass(t *testing.T) {
	var refreshed []string
	done := make(chan struct{})

	r := &Resyncer{
		ListActors: func(ctx context.Context) ([]string, error) {
			return []string{"https://b.test/u/alice", "https://c.test/u/carol"}, nil
		},
		RefreshOne: func(ctx context.Context, actorURL string) error {
			refreshed = append(refreshed, actorURL)
			if len(refreshed) == 2 {
				close(done)
			}
			return nil
		},
		Interval: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("resync pass did not complete in time")
	}
	require.ElementsMatch(t, []string{"https://b.test/u/alice", "https://c.test/u/carol"}, refreshed)
}
