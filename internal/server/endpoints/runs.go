package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/svcctx"
)

// StartRunRequest is the request body for starting a run.
type StartRunRequest struct {
	// Chapters is a selection such as "1-5,8". Empty selects every chapter.
	Chapters string `json:"chapters,omitempty"`
}

// RunResponse reports the outcome of a run control request.
type RunResponse struct {
	Status   string `json:"status"`
	Chapters []int  `json:"chapters,omitempty"`
}

// StartRunEndpoint handles POST /run.
type StartRunEndpoint struct{}

func (e *StartRunEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/run", e.handler
}

func (e *StartRunEndpoint) RequiresInit() bool { return true }

func (e *StartRunEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	selection, err := config.ParseSelection(req.Chapters)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runner := svcctx.RunnerFrom(r.Context())
	if runner == nil {
		writeError(w, http.StatusServiceUnavailable, "run control not available")
		return
	}
	switch err := runner.Start(selection); {
	case errors.Is(err, jobs.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, runstate.ErrUnknownChapter):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	svcctx.LoggerFrom(r.Context()).Info("run started via api", "chapters", req.Chapters)
	writeJSON(w, http.StatusAccepted, RunResponse{Status: "started", Chapters: selection})
}

func (e *StartRunEndpoint) Command(getServerURL func() string) *cobra.Command {
	var chapters string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start translating on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RunResponse
			if err := client.Post(cmd.Context(), "/run", StartRunRequest{Chapters: chapters}, &resp); err != nil {
				return err
			}
			if api.IsStructuredOutput() {
				return api.Output(resp)
			}
			fmt.Printf("Run %s\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&chapters, "chapters", "c", "", "Chapter selection, e.g. 1-5,8 (default: all)")
	return cmd
}

// StopRunEndpoint handles POST /stop.
type StopRunEndpoint struct{}

func (e *StopRunEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/stop", e.handler
}

func (e *StopRunEndpoint) RequiresInit() bool { return true }

func (e *StopRunEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	runner := svcctx.RunnerFrom(r.Context())
	if runner == nil {
		writeError(w, http.StatusServiceUnavailable, "run control not available")
		return
	}
	if !runner.Stop() {
		writeJSON(w, http.StatusOK, RunResponse{Status: "idle"})
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{Status: "stopping"})
}

func (e *StopRunEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Finish in-flight chunks and stop the active run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RunResponse
			if err := client.Post(cmd.Context(), "/stop", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Run %s\n", resp.Status)
			return nil
		},
	}
}
