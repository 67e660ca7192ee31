// Command copypastad wires the Store, Notifier, and AuthGate together and
// serves the clipboard exchange's HTTP surface. Process bootstrap only —
// no clipboard-core logic lives here.
package main

import (
	"context"
	"embed"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/benstaniford/copypasta/internal/auth"
	"github.com/benstaniford/copypasta/internal/httpapi"
	"github.com/benstaniford/copypasta/internal/notify"
	"github.com/benstaniford/copypasta/internal/storage"
)

//go:embed all:static
var staticFS embed.FS

func main() {
	addr := envOr("LISTEN_ADDR", ":8080")
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	dbPath := envOr("COPYPASTA_DB_PATH", "copypasta.db")
	if err := ensureParentDir(dbPath); err != nil {
		log.Fatalf("db path error: %v", err)
	}

	historyLimit := envIntOr("HISTORY_LIMIT", 50)
	pollMaxTimeout := time.Duration(envIntOr("POLL_MAX_TIMEOUT", 60)) * time.Second

	store, err := storage.OpenSQLite(dbPath, historyLimit)
	if err != nil {
		log.Fatalf("storage error: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("error closing store: %v", err)
		}
	}()

	if err := store.Init(context.Background()); err != nil {
		log.Fatalf("storage init error: %v", err)
	}

	if os.Getenv("SECRET_KEY") == "" {
		log.Printf("warning: SECRET_KEY not set; using a random cookie key for this process")
	}
	authMgr, err := auth.NewManager(store, auth.Config{
		SecretKey:    os.Getenv("SECRET_KEY"),
		CookieSecure: os.Getenv("COOKIE_SECURE") == "true",
	})
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}

	notifier := notify.New()

	mux := http.NewServeMux()
	api := httpapi.NewServer(store, notifier, authMgr, historyLimit, pollMaxTimeout)
	api.RegisterRoutes(mux)
	registerStatic(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// WriteTimeout is intentionally left unset: long polls hold a
		// response open for up to POLL_MAX_TIMEOUT seconds by design.
	}

	log.Printf("copypastad listening on %s (history limit %d, poll max timeout %s)", addr, historyLimit, pollMaxTimeout)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		log.Printf("warning: invalid %s=%q, using default %d", key, raw, fallback)
		return fallback
	}
	return parsed
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// registerStatic serves the out-of-scope browser UI when one has been built
// and dropped alongside the binary; the clipboard core never depends on it.
func registerStatic(mux *http.ServeMux) {
	staticDir := os.Getenv("SERVER_STATIC_DIR")
	if staticDir != "" {
		registerStaticDir(mux, staticDir)
		return
	}

	if embeddedSub, err := fs.Sub(staticFS, "static"); err == nil {
		if _, err := embeddedSub.Open("index.html"); err == nil {
			registerEmbeddedFS(mux, embeddedSub)
			log.Printf("serving embedded static files")
			return
		}
	}

	log.Printf("no static files found (set SERVER_STATIC_DIR or build with embedded files); serving API only")
}

func registerStaticDir(mux *http.ServeMux, staticDir string) {
	fileServer := http.FileServer(http.Dir(staticDir))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
		if _, err := os.Stat(path); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
	}))
	log.Printf("serving static files from %s", staticDir)
}

func registerEmbeddedFS(mux *http.ServeMux, staticSub fs.FS) {
	fileServer := http.FileServer(http.FS(staticSub))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Clean(r.URL.Path)
		if path == "/" {
			path = "/index.html"
		}
		if _, err := staticSub.Open(path); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}
		serveIndexFallback(w, r, staticSub)
	}))
}

func serveIndexFallback(w http.ResponseWriter, r *http.Request, fsys fs.FS) {
	idx, err := fsys.Open("index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = idx.Close() }()

	content, err := io.ReadAll(idx)
	if err != nil {
		http.Error(w, "Error reading index.html", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(content); err != nil {
		log.Printf("error writing index.html: %v", err)
	}
}
