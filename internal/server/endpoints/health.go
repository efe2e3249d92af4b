package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status    string `json:"status"`
	Book      string `json:"book,omitempty"`
	Providers int    `json:"providers,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready. The server is ready once a book is
// loaded and at least one provider is registered.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Book: svcctx.BookIDFrom(r.Context())}

	if svcctx.SchedulerFrom(r.Context()) == nil {
		resp.Status = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if registry := svcctx.RegistryFrom(r.Context()); registry != nil {
		resp.Providers = len(registry.List())
	}
	if resp.Providers == 0 {
		resp.Status = "no_providers"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (book loaded, providers registered)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			err := client.Get(cmd.Context(), "/ready", &resp)
			var se *api.StatusError
			if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
				if json.Unmarshal([]byte(se.Message), &resp) == nil {
					return fmt.Errorf("server not ready: %s", resp.Status)
				}
			}
			if err != nil {
				return err
			}
			fmt.Printf("Status:    %s\n", resp.Status)
			fmt.Printf("Book:      %s\n", resp.Book)
			fmt.Printf("Providers: %d\n", resp.Providers)
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server    string      `json:"server" yaml:"server"`
	Book      string      `json:"book" yaml:"book"`
	Providers []string    `json:"providers" yaml:"providers"`
	Run       jobs.Status `json:"run" yaml:"run"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return true }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Server:    "running",
		Book:      svcctx.BookIDFrom(r.Context()),
		Providers: []string{},
		Run:       svcctx.SchedulerFrom(r.Context()).Status(),
	}
	if registry := svcctx.RegistryFrom(r.Context()); registry != nil {
		resp.Providers = registry.List()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show run progress and worker positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			if api.IsStructuredOutput() {
				return api.Output(resp)
			}
			s := resp.Run.Summary
			fmt.Printf("Book:      %s\n", resp.Book)
			fmt.Printf("Running:   %v\n", resp.Run.Running)
			fmt.Printf("Chapters:  %d/%d completed, %d in progress, %d failed\n",
				s.Completed, s.Total, s.InProgress, s.Failed)
			fmt.Printf("Chunks:    %d/%d\n", s.ChunksCompleted, s.ChunksTotal)
			for _, w := range resp.Run.Workers {
				fmt.Printf("  worker %d: chapter %d %q chunk %d/%d\n",
					w.Worker, w.Chapter, w.Title, w.Chunk+1, w.Chunks)
			}
			fmt.Printf("Providers: %v\n", resp.Providers)
			return nil
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
