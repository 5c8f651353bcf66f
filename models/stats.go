package models

// WindowStats aggregates the cost ledger over a rolling window.
type WindowStats struct {
	Window      string  `json:"window"`
	Cost        float64 `json:"cost"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"` // completed / (completed + failed), 0 when empty
}

// DashboardStats is the read model behind the admin dashboard.
type DashboardStats struct {
	TotalInQueue    int                `json:"total_in_queue"`
	ByStatus        map[WorkStatus]int `json:"by_status"`
	Windows         []WindowStats      `json:"windows"`
	ActiveProviders []string           `json:"active_providers"`
	DefaultProvider string             `json:"default_provider"`
}

// ProviderStats compares providers over the full ledger.
type ProviderStats struct {
	Provider         string  `json:"provider"`
	Attempts         int     `json:"attempts"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	SuccessRate      float64 `json:"success_rate"`
	TotalCost        float64 `json:"total_cost"`
	AverageCost      float64 `json:"average_cost"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Attention reasons.
const (
	ReasonMissingImage     = "missing_image"
	ReasonPlaceholderImage = "placeholder_image"
	ReasonLastAttempt      = "last_attempt_failed"
)

// AttentionItem is a subject the operator should look at.
type AttentionItem struct {
	Subject   Subject `json:"subject"`
	Reason    string  `json:"reason"`
	LastError string  `json:"last_error,omitempty"`
}
