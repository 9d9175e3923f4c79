package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/alexjbarnes/dash-sync/internal/docstore"
	"github.com/alexjbarnes/dash-sync/internal/identity"
	"github.com/alexjbarnes/dash-sync/internal/mcpserver"
	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/server"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/alexjbarnes/dash-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	aliceID = "alice"
	bobID   = "bob"
)

// harness holds a real dash-sync server over httptest, backed by a bolt
// document store, and the API keys of two users.
type harness struct {
	URL   string
	Store *docstore.Store
	Keys  map[string]string

	puts atomic.Int32
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend, err := docstore.OpenBolt(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)

	ds := docstore.New(backend, quietLogger())

	h := &harness{
		Store: ds,
		Keys:  map[string]string{},
	}

	var entries []auth.KeyEntry
	for _, user := range []string{aliceID, bobID} {
		key := auth.GenerateAPIKey()
		hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
		require.NoError(t, err)

		h.Keys[user] = key
		entries = append(entries, auth.KeyEntry{UserID: user, Hash: string(hash)})
	}

	router := server.NewRouter(server.RouterConfig{
		Store:        ds,
		Auth:         auth.NewKeyStore(entries),
		Logger:       quietLogger(),
		PingInterval: time.Second,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			h.puts.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	h.URL = srv.URL

	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		ds.Close()
	})

	return h
}

// device is one daemon: its stores, its sync manager, and its MCP
// control surface.
type device struct {
	ID      string
	Stores  *store.Stores
	Manager *syncer.Manager
	MCPURL  string
	MCPKey  string
}

func (h *harness) newDevice(t *testing.T, deviceID string, opts ...func(*syncer.ManagerConfig)) *device {
	t.Helper()

	d := &device{
		ID:     deviceID,
		Stores: store.NewStores(),
		MCPKey: auth.GenerateAPIKey(),
	}

	cfg := syncer.ManagerConfig{
		DeviceID: deviceID,
		Stores:   d.Stores,
		Logger:   quietLogger(),
		NewGateway: func(id *identity.Identity) (remote.Gateway, error) {
			return remote.NewHTTPGateway(remote.HTTPConfig{
				BaseURL:  h.URL,
				APIKey:   id.APIKey,
				DeviceID: deviceID,
				Timeout:  5 * time.Second,
			}, quietLogger()), nil
		},
		Debounce:     20 * time.Millisecond,
		PollInterval: time.Hour,
		FlushTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d.Manager = syncer.NewManager(cfg)
	t.Cleanup(func() { d.Manager.Close(context.Background()) })

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "dash-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.Manager, d.Stores)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)
	authn := auth.Middleware(auth.StaticKey{Key: d.MCPKey, UserID: "local"}, quietLogger())

	mux := http.NewServeMux()
	mux.Handle("/mcp", authn(handler))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	d.MCPURL = srv.URL + "/mcp"

	return d
}

// signIn starts syncing as user and waits until the change feed is up.
func (h *harness) signIn(t *testing.T, d *device, user string) {
	t.Helper()

	before := h.Store.SubscriberCount(user)
	require.NoError(t, d.Manager.HandleIdentity(t.Context(), &identity.Identity{UserID: user, APIKey: h.Keys[user]}))

	require.Eventually(t, func() bool {
		return h.Store.SubscriberCount(user) > before
	}, 5*time.Second, 10*time.Millisecond, "change feed never connected")
}

func addTask(stores *store.Stores, id, title string) {
	stores.App.Update(func(s store.AppState) store.AppState {
		s.Tasks = append(append([]store.Task(nil), s.Tasks...), store.Task{ID: id, Title: title})
		return s
	})
}

func hasTask(stores *store.Stores, title string) bool {
	for _, task := range stores.App.Get().Tasks {
		if task.Title == title {
			return true
		}
	}

	return false
}

func fingerprint(stores *store.Stores) string {
	return snapshot.Build(stores, time.Now()).Fingerprint()
}

func remoteFingerprint(t *testing.T, h *harness, user string) string {
	t.Helper()

	rec, err := h.Store.Get(t.Context(), user)
	require.NoError(t, err)

	snap, err := snapshot.Parse(rec.Data)
	require.NoError(t, err)

	return snap.Fingerprint()
}

// mcpSession connects to a device's control surface with key.
func mcpSession(t *testing.T, d *device, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: d.MCPURL,
		HTTPClient: &http.Client{
			Transport: &bearerTransport{token: key, base: http.DefaultTransport},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	if dest != nil && !result.IsError {
		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
