package constants

// Agent health as reported by the status service
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)
