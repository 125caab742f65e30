// Command coterm runs the SSH session multiplexer: the tool-call API for
// the assistant channel and the browser terminal WebSocket endpoints, both
// serving the per-session coordinators held by the Session Registry.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sshcoterm/coterm/internal/browsersurface"
	"github.com/sshcoterm/coterm/internal/config"
	"github.com/sshcoterm/coterm/internal/coordinator"
	"github.com/sshcoterm/coterm/internal/logging"
	"github.com/sshcoterm/coterm/internal/policy"
	"github.com/sshcoterm/coterm/internal/registry"
	"github.com/sshcoterm/coterm/internal/toolsurface"
)

func main() {
	config.Load()
	logging.Init()

	pol, err := policy.Load(config.Cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Policy load: %v", err)
	}

	reg := registry.New(coordinator.Config{
		QueueCapacity:         config.Cfg.QueueCapacity,
		QueueStaleness:        config.Cfg.QueueStaleness,
		BrowserBufferCapacity: config.Cfg.BrowserBufferCapacity,
		TranscriptCapacity:    config.Cfg.TranscriptBufferCapacity,
		DefaultCommandTimeout: config.Cfg.DefaultCommandTimeout,
		RecoveryResetTimeout:  config.Cfg.RecoveryResetTimeout,
	})
	reg.SetPolicy(pol)

	if err := reg.StartSweep(fmt.Sprintf("@every %s", config.Cfg.SweepInterval)); err != nil {
		log.Fatalf("Sweep start: %v", err)
	}
	defer reg.StopSweep()

	listener, err := net.Listen("tcp", config.Cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Listen on %s: %v", config.Cfg.ListenAddr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	portFile, err := writePortFile(config.Cfg.DataPath, port)
	if err != nil {
		log.Fatalf("Port file: %v", err)
	}
	defer os.Remove(portFile)

	tools := toolsurface.New(reg, config.Cfg.ConnectTimeout, port)
	browser := browsersurface.New(reg)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Operational log introspection, tail-by-default.
	r.Get("/logs", func(w http.ResponseWriter, req *http.Request) {
		n := 200
		if v := req.URL.Query().Get("lines"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				n = parsed
			}
		}
		tail, err := logging.ReadTail(n)
		if err != nil {
			http.Error(w, "cannot read logs", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(tail))
	})
	r.Delete("/logs", func(w http.ResponseWriter, _ *http.Request) {
		if err := logging.Clear(); err != nil {
			http.Error(w, "cannot clear logs", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api/v1", tools.Routes)
	browser.Routes(r)

	srv := &http.Server{Handler: r}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on port %d", port)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Tear every session down before the listener stops so queued commands
	// are rejected and SSH transports are closed.
	for _, meta := range reg.ListSessions() {
		if err := reg.Disconnect(meta.Name); err != nil {
			log.Printf("Error disconnecting session %s: %v", meta.Name, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// writePortFile records the listening port as ASCII under dataPath, the
// process's only on-disk artifact. It returns the file path so the caller
// can remove it on graceful stop.
func writePortFile(dataPath string, port int) (string, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataPath, "coterm.port")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", port)), 0644); err != nil {
		return "", fmt.Errorf("write port file: %w", err)
	}
	return path, nil
}
