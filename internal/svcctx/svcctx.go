// Package svcctx carries the services of a running book through request
// contexts. It is separate from server to avoid import cycles with
// endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// Runner starts and stops translation runs on behalf of HTTP clients.
type Runner interface {
	// Start begins a run over selection (every chapter when empty). It
	// returns jobs.ErrRunActive while another run is going.
	Start(selection []int) error
	// Stop asks the active run to finish its in-flight chunks and stop.
	// It reports whether a run was active.
	Stop() bool
}

// Services holds the services of the book being served.
type Services struct {
	BookID       string
	Scheduler    *jobs.Scheduler
	Runner       Runner
	Registry     *providers.Registry
	LLMCallStore *llmcall.Store
	Logger       *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// SchedulerFrom extracts the scheduler from context.
func SchedulerFrom(ctx context.Context) *jobs.Scheduler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Scheduler
	}
	return nil
}

// RunnerFrom extracts the run controller from context.
func RunnerFrom(ctx context.Context) Runner {
	if s := ServicesFrom(ctx); s != nil {
		return s.Runner
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// LLMCallStoreFrom extracts the LLM call store from context.
func LLMCallStoreFrom(ctx context.Context) *llmcall.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.LLMCallStore
	}
	return nil
}

// BookIDFrom returns the id of the book being served.
func BookIDFrom(ctx context.Context) string {
	if s := ServicesFrom(ctx); s != nil {
		return s.BookID
	}
	return ""
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
