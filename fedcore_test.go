package fedcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// testActor is a minimal Object implementation used across this package's
// tests — applications would define something similar for their own
// actor/object schema.
type testActor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (a testActor) Verify(expectedHost string) error {
	if !strings.HasSuffix(a.ID, "://"+expectedHost) && !strings.Contains(a.ID, "://"+expectedHost+"/") {
		return fmt.Errorf("id host mismatch: %s vs %s", a.ID, expectedHost)
	}
	return nil
}

func decodeTestActor(raw json.RawMessage) (testActor, error) {
	var a testActor
	if err := json.Unmarshal(raw, &a); err != nil {
		return testActor{}, err
	}
	return a, nil
}

func TestFederationConfigBuilder_RequiresDomain(t *testing.T) {
	_, err := NewFederationConfigBuilder("").Build()
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "domain", cerr.Field)
}

func TestFederationConfigBuilder_RequiresWorkerCount(t *testing.T) {
	_, err := NewFederationConfigBuilder("a.test").WithWorkerCount(0).Build()
	require.Error(t, err)
}

func TestFederationConfigBuilder_Defaults(t *testing.T) {
	cfg, err := NewFederationConfigBuilder("a.test").Build()
	require.NoError(t, err)
	require.Equal(t, "a.test", cfg.Domain())
	require.Equal(t, 50, cfg.HTTPFetchLimit())
	require.Equal(t, 64, cfg.WorkerCount())
}

func TestObjectId_RejectsRelativeAndNonHTTPS(t *testing.T) {
	cfg, _ := NewFederationConfigBuilder("a.test").Build()

	_, err := NewObjectId[testActor]("/not/absolute", cfg)
	require.Error(t, err)

	_, err = NewObjectId[testActor]("http://b.test/actor", cfg)
	require.Error(t, err, "plain http must be rejected outside debug/allowlist")

	id, err := NewObjectId[testActor]("https://b.test/actor", cfg)
	require.NoError(t, err)
	require.Equal(t, "b.test", id.Host())
}

func TestObjectId_AllowsHTTPInDebugMode(t *testing.T) {
	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).Build()
	require.NoError(t, err)

	_, err = NewObjectId[testActor]("http://b.test/actor", cfg)
	require.NoError(t, err)
}

func TestDereference_SucceedsAndEnforcesIdHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		_, _ = w.Write([]byte(`{"id":"` + "http://" + r.Host + `/actor","name":"alice"}`))
	}))
	defer srv.Close()

	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).Build()
	require.NoError(t, err)
	rd := NewRequestData(context.Background(), cfg)

	id, err := NewObjectId[testActor](srv.URL+"/actor", cfg)
	require.NoError(t, err)

	actor, err := Dereference[testActor](context.Background(), id, rd, nil, decodeTestActor)
	require.NoError(t, err)
	require.Equal(t, "alice", actor.Name)
}

func TestDereference_RejectsIdHostMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Claims to be owned by evil.test regardless of who served it.
		_, _ = w.Write([]byte(`{"id":"https://evil.test/actor","name":"mallory"}`))
	}))
	defer srv.Close()

	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).Build()
	require.NoError(t, err)
	rd := NewRequestData(context.Background(), cfg)

	id, err := NewObjectId[testActor](srv.URL+"/actor", cfg)
	require.NoError(t, err)

	_, err = Dereference[testActor](context.Background(), id, rd, nil, decodeTestActor)
	require.Error(t, err)
	var herr *IdHostMismatchError
	require.ErrorAs(t, err, &herr)
}

func TestDereference_BudgetExceeded(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"id":"http://` + r.Host + `/obj/` + fmt.Sprint(hits.Load()) + `","name":"x"}`))
	}))
	defer srv.Close()

	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).WithHTTPFetchLimit(3).Build()
	require.NoError(t, err)
	rd := NewRequestData(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		id, err := NewObjectId[testActor](fmt.Sprintf("%s/obj/%d", srv.URL, i), cfg)
		require.NoError(t, err)
		_, err = Dereference[testActor](context.Background(), id, rd, nil, decodeTestActor)
		require.NoError(t, err)
	}

	id, err := NewObjectId[testActor](srv.URL+"/obj/4", cfg)
	require.NoError(t, err)
	_, err = Dereference[testActor](context.Background(), id, rd, nil, decodeTestActor)
	require.Error(t, err)
	var berr *BudgetExceededError
	require.ErrorAs(t, err, &berr)
}

func TestDereference_LocalLookupSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"id":"http://` + r.Host + `/actor","name":"alice"}`))
	}))
	defer srv.Close()

	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).Build()
	require.NoError(t, err)
	rd := NewRequestData(context.Background(), cfg)

	id, err := NewObjectId[testActor](srv.URL+"/actor", cfg)
	require.NoError(t, err)

	local := func(ctx context.Context, i ObjectId[testActor]) (testActor, bool, bool) {
		return testActor{ID: i.String(), Name: "cached"}, true, true
	}

	actor, err := Dereference[testActor](context.Background(), id, rd, local, decodeTestActor)
	require.NoError(t, err)
	require.Equal(t, "cached", actor.Name)
	require.Equal(t, int64(0), hits.Load())
}

func TestDereferenceAny_TriesEachDecoderInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"http://` + r.Host + `/obj","kind":"group"}`))
	}))
	defer srv.Close()

	cfg, err := NewFederationConfigBuilder("a.test").WithDebug(true).Build()
	require.NoError(t, err)
	rd := NewRequestData(context.Background(), cfg)

	id, err := NewObjectId[testActor](srv.URL+"/obj", cfg)
	require.NoError(t, err)

	failingDecode := func(raw json.RawMessage) (testActor, error) {
		var v struct {
			Kind string `json:"kind"`
		}
		_ = json.Unmarshal(raw, &v)
		if v.Kind != "person" {
			return testActor{}, fmt.Errorf("not a person")
		}
		return testActor{}, nil
	}

	actor, err := DereferenceAny[testActor](context.Background(), id, rd, nil, failingDecode, decodeTestActor)
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/obj", actor.ID)
}
