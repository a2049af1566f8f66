package endpoints

import "github.com/jackzampolin/codex/internal/api"

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Target endpoints
		&PutChaptersEndpoint{},
		&GetChapterEndpoint{},
		&PlanEndpoint{},
		&StartAnalysisEndpoint{},
		&StartTranslationEndpoint{},
		&EntitiesEndpoint{},
		&EPUBEndpoint{},

		// Job endpoints
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&CancelJobEndpoint{},
		&JobEventsEndpoint{},
		&JobSocketEndpoint{},
		&ListCallsEndpoint{},
		&JobStatsEndpoint{},

		// Documentation
		&SwaggerEndpoint{},
		&SwaggerUIEndpoint{},
	}
}
