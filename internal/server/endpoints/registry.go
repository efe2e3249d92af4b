package endpoints

import "github.com/BeetleBonsai798/EpubTranslate/internal/api"

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Run control
		&StartRunEndpoint{},
		&StopRunEndpoint{},

		// LLM call history
		&ListCallsEndpoint{},
		&CallStatsEndpoint{},
	}
}
