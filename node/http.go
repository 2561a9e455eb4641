package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"huddle/directory"

	log "github.com/sirupsen/logrus"
)

// NewHTTPHandler builds the read-only introspection handler. GET /peers
// returns the directory snapshot as a JSON object of peer id to last-seen
// epoch seconds; every other route is a plain-text 404.
func NewHTTPHandler(dir *directory.Directory) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(dir.Snapshot()); err != nil {
			log.Errorf("http: failed to encode /peers response: %v", err)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return mux
}

func (n *Node) serveHTTP(ctx context.Context) error {
	srv := &http.Server{Handler: NewHTTPHandler(n.Directory)}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Infof("HTTP server running on http://%s", n.httpListener.Addr())
	err := srv.Serve(n.httpListener)
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}
