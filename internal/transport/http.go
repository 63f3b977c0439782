package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Receiver routes.
const (
	BatchPath    = "/v1/batches"
	SnapshotPath = "/v1/snapshots"
)

const maxBodyBytes = 64 << 20

// Client sends envelopes over HTTP to target endpoints.
type Client struct {
	http      *http.Client
	endpoints map[string]string
}

// NewClient creates a client for the given target name to base URL map.
func NewClient(endpoints map[string]string, timeout time.Duration) *Client {
	eps := make(map[string]string, len(endpoints))
	for name, url := range endpoints {
		eps[name] = strings.TrimRight(url, "/")
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		endpoints: eps,
	}
}

// Send implements Transport.
func (c *Client) Send(ctx context.Context, target string, env Envelope) (Ack, error) {
	base, ok := c.endpoints[target]
	if !ok {
		return Ack{}, fmt.Errorf("no endpoint for target %s", target)
	}

	body, err := Encode(env)
	if err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+BatchPath, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("send batch %s to %s: %w", env.BatchID, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Ack{}, fmt.Errorf("read ack from %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return Ack{}, fmt.Errorf("target %s answered %d: %s", target, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var ack Ack
	if err := Decode(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack from %s: %w", target, err)
	}
	if ack.Conflict != nil {
		return ack, &ConflictError{Target: target, Report: *ack.Conflict}
	}
	return ack, nil
}

// Install implements Transport.
func (c *Client) Install(ctx context.Context, target string, snap Snapshot) error {
	base, ok := c.endpoints[target]
	if !ok {
		return fmt.Errorf("no endpoint for target %s", target)
	}

	body, err := Encode(snap)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+SnapshotPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("install snapshot on %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("target %s answered %d: %s", target, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// NewHandler serves a receiver on a chi router: POST /v1/batches,
// POST /v1/snapshots and GET /healthz. Extra routes may be mounted on the
// returned router.
func NewHandler(r Receiver) chi.Router {
	router := chi.NewRouter()

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	router.Post(BatchPath, func(w http.ResponseWriter, req *http.Request) {
		data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		var env Envelope
		if err := Decode(data, &env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := env.Verify(); err != nil {
			slog.Warn("rejected envelope", "group", env.Group, "batch", env.BatchID, "error", err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		ack, err := r.Receive(req.Context(), env)
		if err != nil {
			slog.Error("apply envelope", "group", env.Group, "batch", env.BatchID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out, err := Encode(ack)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if ack.Conflict != nil {
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(status)
		_, _ = w.Write(out)
	})

	router.Post(SnapshotPath, func(w http.ResponseWriter, req *http.Request) {
		data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		var snap Snapshot
		if err := Decode(data, &snap); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.Install(req.Context(), snap); err != nil {
			slog.Error("install snapshot", "group", snap.Group, "key", uint64(snap.Key), "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return router
}
