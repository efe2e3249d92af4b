package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/svcctx"
)

// CallsResponse contains a list of LLM calls.
type CallsResponse struct {
	Calls []llmcall.Call `json:"calls" yaml:"calls"`
	Total int            `json:"total" yaml:"total"`
}

// CallStatsResponse contains per-spec attempt statistics.
type CallStatsResponse struct {
	Specs []llmcall.SpecStats `json:"specs" yaml:"specs"`
}

// filterFromQuery reads chapter, spec, purpose, success, limit and offset.
func filterFromQuery(q url.Values) (llmcall.QueryFilter, error) {
	filter := llmcall.QueryFilter{
		Spec:    q.Get("spec"),
		Purpose: q.Get("purpose"),
	}
	if v := q.Get("chapter"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid chapter: %q must be an integer", v)
		}
		filter.Chapter = &n
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid success filter: %q must be true or false", v)
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid limit: %q must be an integer", v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid offset: %q must be an integer", v)
		}
		filter.Offset = n
	}
	return filter, nil
}

// ListCallsEndpoint handles GET /calls.
type ListCallsEndpoint struct{}

func (e *ListCallsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/calls", e.handler
}

func (e *ListCallsEndpoint) RequiresInit() bool { return true }

func (e *ListCallsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.LLMCallStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusInternalServerError, "LLM call store not available")
		return
	}

	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.BookID = svcctx.BookIDFrom(r.Context())
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	calls, err := store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []llmcall.Call{}
	}
	writeJSON(w, http.StatusOK, CallsResponse{Calls: calls, Total: len(calls)})
}

func (e *ListCallsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var spec, purpose string
	var chapter, limit int
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recorded LLM calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if cmd.Flags().Changed("chapter") {
				params.Set("chapter", strconv.Itoa(chapter))
			}
			if spec != "" {
				params.Set("spec", spec)
			}
			if purpose != "" {
				params.Set("purpose", purpose)
			}
			if failedOnly {
				params.Set("success", "false")
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}

			path := "/calls"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp CallsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&chapter, "chapter", 0, "Filter by chapter index")
	cmd.Flags().StringVar(&spec, "spec", "", "Filter by provider spec (client/model)")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Filter by purpose (translate, toc)")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed calls")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max results")
	return cmd
}

// CallStatsEndpoint handles GET /calls/stats.
type CallStatsEndpoint struct{}

func (e *CallStatsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/calls/stats", e.handler
}

func (e *CallStatsEndpoint) RequiresInit() bool { return true }

func (e *CallStatsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.LLMCallStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusInternalServerError, "LLM call store not available")
		return
	}
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.BookID = svcctx.BookIDFrom(r.Context())

	stats, err := store.Stats(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []llmcall.SpecStats{}
	}
	writeJSON(w, http.StatusOK, CallStatsResponse{Specs: stats})
}

func (e *CallStatsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "call-stats",
		Short: "Show attempts, failures and cost per provider spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp CallStatsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/calls/stats", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
