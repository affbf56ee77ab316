package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/errors"
	"github.com/autom8ter/couchsys/testutil"
	couchhttp "github.com/autom8ter/couchsys/transport/http"
)

func newClient(t *testing.T, server *testutil.MemServer, reg prometheus.Registerer) *couchhttp.Client {
	t.Helper()
	srv := server.Serve()
	t.Cleanup(srv.Close)
	client, err := couchhttp.New(couchhttp.Config{
		URL:        srv.URL,
		Timeout:    5 * time.Second,
		Registerer: reg,
	})
	require.Nil(t, err)
	return client
}

func collect(t *testing.T, s *couchsys.Stream[couchsys.Item]) ([]couchsys.Item, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var items []couchsys.Item
	err := s.Each(ctx, func(item couchsys.Item) error {
		items = append(items, item)
		return nil
	})
	return items, err
}

func requestCount(t *testing.T, reg *prometheus.Registry, method, route, code string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.Nil(t, err)
	for _, family := range families {
		if family.GetName() != "couchsys_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			if labels["method"] == method && labels["route"] == route && labels["code"] == code {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNew(t *testing.T) {
	_, err := couchhttp.New(couchhttp.Config{})
	assert.True(t, errors.Is(err, errors.Validation))
	_, err = couchhttp.New(couchhttp.Config{URL: "localhost"})
	assert.True(t, errors.Is(err, errors.Validation))

	reg := prometheus.NewRegistry()
	_, err = couchhttp.New(couchhttp.Config{URL: "http://localhost:5984", Registerer: reg})
	assert.Nil(t, err)
	_, err = couchhttp.New(couchhttp.Config{URL: "http://localhost:5984", Registerer: reg})
	assert.NotNil(t, err)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	t.Run("info", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version)
		server.SetFeatures("partitioned")
		client := newClient(t, server, nil)
		info, err := client.Info(ctx)
		require.Nil(t, err)
		assert.Equal(t, testutil.Version, info.Version)
		assert.Equal(t, []string{"partitioned"}, info.Features)
	})
	t.Run("info without version", func(t *testing.T) {
		client := newClient(t, testutil.NewServer(""), nil)
		_, err := client.Info(ctx)
		assert.True(t, errors.Is(err, errors.MalformedResponse))
	})
	t.Run("server errors keep their status", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version)
		server.FailOn("info", "", errors.New(errors.Unauthorized, "Name or password is incorrect."))
		client := newClient(t, server, nil)
		_, err := client.Info(ctx)
		assert.True(t, errors.Is(err, errors.Unauthorized))
		assert.Contains(t, err.Error(), "Name or password is incorrect.")
	})
	t.Run("create and destroy", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, "_users")
		client := newClient(t, server, nil)
		assert.Nil(t, client.CreateDatabase(ctx, "foo"))
		assert.Nil(t, client.CreateDatabase(ctx, "a/b"))
		assert.True(t, errors.Is(client.CreateDatabase(ctx, "foo"), errors.Conflict))
		dbs, err := client.AllDatabases(ctx)
		assert.Nil(t, err)
		assert.Equal(t, []string{"_users", "a/b", "foo"}, dbs)
		assert.Nil(t, client.DestroyDatabase(ctx, "a/b"))
		assert.True(t, errors.Is(client.DestroyDatabase(ctx, "a/b"), errors.NotFound))
		dbs, err = client.AllDatabases(ctx)
		assert.Nil(t, err)
		assert.Equal(t, []string{"_users", "foo"}, dbs)
	})
	t.Run("get database", func(t *testing.T) {
		for _, version := range []string{testutil.LegacyVersion, testutil.Version} {
			server := testutil.NewServer(version, "foo")
			assert.Nil(t, server.UpdateDatabase(ctx, "foo"))
			client := newClient(t, server, nil)
			info, err := client.GetDatabase(ctx, "foo")
			require.Nil(t, err, version)
			assert.Equal(t, "foo", info.DBName, version)
			assert.Equal(t, "1", strings.SplitN(info.UpdateSeq, "-", 2)[0], version)
			_, err = client.GetDatabase(ctx, "bar")
			assert.True(t, errors.Is(err, errors.NotFound), version)
		}
	})
	t.Run("changes", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, couchsys.LedgerDatabase)
		client := newClient(t, server, nil)
		assert.Nil(t, client.CreateDatabase(ctx, "foo"))
		assert.Nil(t, client.CreateDatabase(ctx, "bar"))
		changes, err := client.Changes(ctx, couchsys.LedgerDatabase, couchsys.ChangesParams{Since: "0"})
		require.Nil(t, err)
		items, err := collect(t, changes)
		assert.Nil(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "created:foo", items[0].ID())
		assert.Equal(t, "created:bar", items[1].ID())

		_, err = client.Changes(ctx, "missing", couchsys.ChangesParams{})
		assert.True(t, errors.Is(err, errors.NotFound))
	})
	t.Run("continuous changes", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, couchsys.LedgerDatabase)
		client := newClient(t, server, nil)
		changes, err := client.Changes(ctx, couchsys.LedgerDatabase, couchsys.ChangesParams{
			Feed:  couchsys.FeedContinuous,
			Since: "now",
		})
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			return server.Subscribers(couchsys.LedgerDatabase) == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Nil(t, server.CreateDatabase(ctx, "foo"))
		next, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		item, err := changes.Next(next)
		require.Nil(t, err)
		assert.Equal(t, "created:foo", item.ID())

		changes.Close()
		require.Eventually(t, func() bool {
			return server.Subscribers(couchsys.LedgerDatabase) == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
	t.Run("bounded feed buffer", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, couchsys.LedgerDatabase)
		srv := server.Serve()
		defer srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL, FeedBuffer: 1})
		require.Nil(t, err)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		changes, err := client.Changes(ctx, couchsys.LedgerDatabase, couchsys.ChangesParams{
			Feed:  couchsys.FeedContinuous,
			Since: "now",
		})
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			return server.Subscribers(couchsys.LedgerDatabase) == 1
		}, 5*time.Second, 10*time.Millisecond)
		var names []string
		for i := 0; i < 5; i++ {
			name := testutil.DatabaseName()
			names = append(names, "created:"+name)
			assert.Nil(t, server.CreateDatabase(ctx, name))
		}
		// the reader is held back by the buffer until the items are consumed
		time.Sleep(50 * time.Millisecond)
		next, cancelNext := context.WithTimeout(ctx, 5*time.Second)
		defer cancelNext()
		var ids []string
		for range names {
			item, err := changes.Next(next)
			require.Nil(t, err)
			ids = append(ids, item.ID())
		}
		assert.Equal(t, names, ids)
		changes.Close()
	})
	t.Run("negative feed buffer", func(t *testing.T) {
		_, err := couchhttp.New(couchhttp.Config{URL: "http://localhost:5984", FeedBuffer: -1})
		assert.True(t, errors.Is(err, errors.Validation))
	})
	t.Run("continuous changes end with context", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, couchsys.LedgerDatabase)
		client := newClient(t, server, nil)
		ctx, cancel := context.WithCancel(ctx)
		changes, err := client.Changes(ctx, couchsys.LedgerDatabase, couchsys.ChangesParams{Feed: couchsys.FeedContinuous})
		require.Nil(t, err)
		cancel()
		items, err := collect(t, changes)
		assert.Nil(t, err)
		assert.Empty(t, items)
	})
	t.Run("database updates", func(t *testing.T) {
		server := testutil.NewServer(testutil.LegacyVersion)
		client := newClient(t, server, nil)
		updates, err := client.DBUpdates(ctx, couchsys.ChangesParams{})
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			return server.Subscribers("") == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Nil(t, server.CreateDatabase(ctx, "foo"))
		items, err := collect(t, updates)
		assert.Nil(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "foo", items[0].Get("db_name").String())
		assert.Equal(t, "created", items[0].Get("type").String())
	})
	t.Run("metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		client := newClient(t, testutil.NewServer(testutil.Version), reg)
		for i := 0; i < 2; i++ {
			_, err := client.Info(ctx)
			assert.Nil(t, err)
		}
		assert.NotNil(t, client.DestroyDatabase(ctx, "foo"))
		assert.Equal(t, float64(2), requestCount(t, reg, http.MethodGet, "/", "200"))
		assert.Equal(t, float64(1), requestCount(t, reg, http.MethodDelete, "/{db}", "404"))
	})
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()
	t.Run("credentials and request id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok || username != "admin" || password != "secret" || r.Header.Get("X-Request-ID") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","reason":"Name or password is incorrect."}`))
				return
			}
			w.Write([]byte(`{"couchdb":"Welcome","version":"2.3.1"}`))
		}))
		defer srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL, Username: "admin", Password: "secret"})
		require.Nil(t, err)
		info, err := client.Info(ctx)
		require.Nil(t, err)
		assert.Equal(t, "2.3.1", info.Version)

		client, err = couchhttp.New(couchhttp.Config{URL: srv.URL})
		require.Nil(t, err)
		_, err = client.Info(ctx)
		assert.True(t, errors.Is(err, errors.Unauthorized))
	})
	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL, Timeout: 20 * time.Millisecond})
		require.Nil(t, err)
		_, err = client.AllDatabases(ctx)
		assert.True(t, errors.Is(err, errors.Transport))
	})
	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL})
		require.Nil(t, err)
		_, err = client.Info(ctx)
		assert.True(t, errors.Is(err, errors.Transport))
	})
	t.Run("truncated feed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"results":[{"seq":"1-g1AAAA","id":"created:foo"},{"seq":"2-g1`))
		}))
		defer srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL})
		require.Nil(t, err)
		changes, err := client.Changes(ctx, couchsys.LedgerDatabase, couchsys.ChangesParams{})
		require.Nil(t, err)
		items, err := collect(t, changes)
		assert.True(t, errors.Is(err, errors.Transport))
		require.Len(t, items, 1)
		assert.Equal(t, "created:foo", items[0].ID())
	})
	t.Run("malformed database info", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"db_name":"foo"}`))
		}))
		defer srv.Close()
		client, err := couchhttp.New(couchhttp.Config{URL: srv.URL})
		require.Nil(t, err)
		_, err = client.GetDatabase(ctx, "foo")
		assert.True(t, errors.Is(err, errors.MalformedResponse))
	})
}

func TestSystemOverHTTP(t *testing.T) {
	ctx := context.Background()
	t.Run("modern", func(t *testing.T) {
		server := testutil.NewServer(testutil.Version, couchsys.LedgerDatabase, "_replicator", "_users", "foo")
		sys := couchsys.New(newClient(t, server, nil))
		require.Nil(t, sys.Reset(ctx))
		dbs, err := server.AllDatabases(ctx)
		assert.Nil(t, err)
		assert.Equal(t, []string{couchsys.LedgerDatabase, "_replicator", "_users"}, dbs)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		events := sys.UpdatesNoHistory(ctx, couchsys.ChangesParams{Feed: couchsys.FeedContinuous})
		require.Eventually(t, func() bool {
			return server.Subscribers(couchsys.LedgerDatabase) == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Nil(t, server.CreateDatabase(ctx, "bar"))
		next, cancelNext := context.WithTimeout(ctx, 5*time.Second)
		defer cancelNext()
		event, err := events.Next(next)
		require.Nil(t, err)
		assert.Equal(t, "created", event.Type)
		assert.Equal(t, "bar", event.DBName)
	})
	t.Run("legacy", func(t *testing.T) {
		server := testutil.NewServer(testutil.LegacyVersion, "_replicator", "_users", "foo")
		sys := couchsys.New(newClient(t, server, nil))
		require.Nil(t, sys.Reset(ctx))
		dbs, err := server.AllDatabases(ctx)
		assert.Nil(t, err)
		assert.Equal(t, []string{"_replicator"}, dbs)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		events := sys.UpdatesNoHistory(ctx, couchsys.ChangesParams{Feed: couchsys.FeedContinuous})
		require.Eventually(t, func() bool {
			return server.Subscribers("") == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Nil(t, server.CreateDatabase(ctx, "bar"))
		next, cancelNext := context.WithTimeout(ctx, 5*time.Second)
		defer cancelNext()
		event, err := events.Next(next)
		require.Nil(t, err)
		assert.Equal(t, couchsys.ChangeEvent{Type: "created", DBName: "bar"}, event)
	})
}
