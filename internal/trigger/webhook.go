package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"tailscale.com/tsnet"
)

// WebhookHandler receives a verified webhook payload for one path.
type WebhookHandler func(path string, body []byte)

// TailscaleOptions opts the webhook listener into serving over a private
// tailnet instead of a bare public port, grounded on the teacher's declared
// (if then-unused) tailscale.com dependency.
type TailscaleOptions struct {
	Enabled  bool
	Hostname string
	AuthKey  string
	StateDir string
}

// WebhookServer is the embedded HTTP listener TriggerSources owns for
// webhook-type entry points (spec.md §4.8). Each registered path has its own
// HMAC secret; a request whose signature doesn't verify is rejected before
// the handler ever sees it.
type WebhookServer struct {
	mu       sync.RWMutex
	routes   map[string]webhookRoute
	srv      *http.Server
	listener net.Listener
	tsServer *tsnet.Server
}

type webhookRoute struct {
	secret  []byte
	handler WebhookHandler
}

// NewWebhookServer builds a WebhookServer bound to addr, or to a tsnet
// tailnet listener when opts.Enabled is set.
func NewWebhookServer(addr string, opts TailscaleOptions) (*WebhookServer, error) {
	ws := &WebhookServer{routes: make(map[string]webhookRoute)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handle)
	ws.srv = &http.Server{Handler: mux}

	if opts.Enabled {
		ts := &tsnet.Server{
			Hostname: opts.Hostname,
			AuthKey:  opts.AuthKey,
			Dir:      opts.StateDir,
		}
		ln, err := ts.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("trigger: tsnet listen: %w", err)
		}
		ws.tsServer = ts
		ws.listener = ln
		return ws, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("trigger: listen on %s: %w", addr, err)
	}
	ws.listener = ln
	return ws, nil
}

// Register wires a path to a secret and handler. An empty secret disables
// signature verification for that path (useful for local development).
func (ws *WebhookServer) Register(path, secret string, handler WebhookHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.routes[path] = webhookRoute{secret: []byte(secret), handler: handler}
}

// Unregister removes a path.
func (ws *WebhookServer) Unregister(path string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.routes, path)
}

// Serve blocks, accepting connections until Shutdown is called.
func (ws *WebhookServer) Serve() error {
	err := ws.srv.Serve(ws.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and, if tsnet was used, its tailnet
// session.
func (ws *WebhookServer) Shutdown(ctx context.Context) error {
	err := ws.srv.Shutdown(ctx)
	if ws.tsServer != nil {
		ws.tsServer.Close()
	}
	return err
}

func (ws *WebhookServer) handle(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	route, ok := ws.routes[r.URL.Path]
	ws.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if len(route.secret) > 0 {
		sig := r.Header.Get("X-Signature-256")
		if !verifyHMAC(route.secret, body, sig) {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
	}

	route.handler(r.URL.Path, body)
	w.WriteHeader(http.StatusAccepted)
}

// verifyHMAC checks sig (hex-encoded, optionally "sha256=" prefixed like
// GitHub's convention) against HMAC-SHA256(secret, body).
func verifyHMAC(secret, body []byte, sig string) bool {
	const prefix = "sha256="
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		sig = sig[len(prefix):]
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// SignForTest computes the signature TriggerSources expects for a given
// secret and body, useful for tests and for integrators sending test events.
func SignForTest(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
