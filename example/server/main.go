package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opkit/backauth/example/server/storage"
	"github.com/opkit/backauth/pkg/op"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	}))

	port := os.Getenv("PORT")
	if port == "" {
		port = "9998"
	}
	issuer := "http://localhost:" + port + "/"

	store, err := storage.New()
	if err != nil {
		logger.Error("storage setup failed", "error", err)
		os.Exit(1)
	}

	config := &op.Config{
		Backchannel: op.BackchannelAuthenticationConfig{
			DefaultLifetime: 2 * time.Minute,
			PollInterval:    2 * time.Second,
		},
	}
	provider, err := op.NewProvider(config, store, op.StaticIssuer(issuer),
		op.WithAllowInsecure(),
		op.WithLogger(logger),
	)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	router := chi.NewRouter()
	router.Mount("/", provider.HttpHandler())
	// stands in for the device UI where the user approves or rejects
	router.Post("/device/complete", completeHandler(provider, logger))

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	logger.Info("server listening, press ctrl+c to stop", "addr", issuer)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("server terminated", "error", err)
		os.Exit(1)
	}
}

// completeHandler decides a pending authentication request, the way a real
// deployment would after the user confirmed on the authentication device.
func completeHandler(provider *op.Provider, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		authReqID := r.Form.Get("auth_req_id")
		approved := r.Form.Get("action") == "approve"
		state, err := provider.CompleteBackchannelRequest(r.Context(), authReqID, approved)
		if err != nil {
			logger.WarnContext(r.Context(), "completion rejected", "auth_req_id", authReqID, "error", err)
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"state": "` + state.String() + `"}`))
	}
}
