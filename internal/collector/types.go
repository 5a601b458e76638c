package collector

// ToolInvocation records one tool call made by an agent.
type ToolInvocation struct {
	ToolName        string         `json:"tool_name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	DurationMs      float64        `json:"duration_ms"`
	CacheHit        bool           `json:"cache_hit"`
	Similarity      float64        `json:"similarity,omitempty"`
	ResultSizeBytes int            `json:"result_size_bytes"`
	Status          string         `json:"status"`
}

// AgentRecord is the post-mortem of one agent invocation. CostUSD is always
// derived from token counts and pricing, never supplied by the agent.
type AgentRecord struct {
	AgentID         string           `json:"agent_id"`
	StartedAt       int64            `json:"started_at"`
	EndedAt         int64            `json:"ended_at"`
	Status          string           `json:"status"`
	InputTokens     int              `json:"input_tokens"`
	OutputTokens    int              `json:"output_tokens"`
	Model           string           `json:"model"`
	Tools           []ToolInvocation `json:"tools,omitempty"`
	CostUSD         float64          `json:"cost_usd"`
	ResponsePreview string           `json:"response_preview"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// Agent invocation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusUnknown = "unknown"
	StatusWarning = "warning"
)

// CacheLayer reports one cache layer's behavior during a request.
type CacheLayer struct {
	Name         string  `json:"name"`
	Checked      bool    `json:"checked"`
	Hit          bool    `json:"hit"`
	Similarity   float64 `json:"similarity"`
	QueryTimeMs  float64 `json:"query_time_ms"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
	MatchedQuery string  `json:"matched_query,omitempty"`
}

// Event is one entry in the execution timeline. Events nest by interval; a
// child never outlives its parent.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	StartMs    int64          `json:"start_ms"`
	EndMs      int64          `json:"end_ms"`
	DurationMs float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WorkflowInfo describes the routing outcome.
type WorkflowInfo struct {
	Name            string   `json:"name"`
	Pattern         string   `json:"pattern"`
	RoutingTimeMs   float64  `json:"routing_time_ms"`
	AgentsInvoked   []string `json:"agents_invoked"`
	AgentsAvailable []string `json:"agents_available"`
}

// CostBreakdown aggregates spend and savings for one request.
type CostBreakdown struct {
	LLMCostUSD         float64 `json:"llm_cost_usd"`
	EmbeddingCostUSD   float64 `json:"embedding_cost_usd"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	BaselineCostUSD    float64 `json:"baseline_cost_usd"`
	CostSavingsUSD     float64 `json:"cost_savings_usd"`
	CostSavingsPercent int     `json:"cost_savings_percent"`
}

// PerformanceMetrics reports the request against its SLO targets.
type PerformanceMetrics struct {
	TotalTimeMs       float64 `json:"total_time_ms"`
	MeetsLatencyTarget bool   `json:"meets_latency_target"`
	MeetsCostTarget    bool   `json:"meets_cost_target"`
}

// SessionMetrics ties the request to its conversational session.
type SessionMetrics struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TurnCount int    `json:"turn_count"`

	// Running totals across the session, including this request.
	SessionQueries   int64   `json:"session_queries"`
	SessionCostUSD   float64 `json:"session_cost_usd"`
	SessionCacheHits int64   `json:"session_cache_hits"`
}

// Timeline is the ordered event list.
type Timeline struct {
	TotalDurationMs float64 `json:"total_duration_ms"`
	Events          []Event `json:"events"`
}

// EnhancedResponse is the full per-request report returned by the enhanced
// query endpoint.
type EnhancedResponse struct {
	Query           string             `json:"query"`
	Response        string             `json:"response"`
	QueryID         string             `json:"query_id"`
	Timestamp       string             `json:"timestamp"`
	Workflow        WorkflowInfo       `json:"workflow"`
	Agents          []AgentRecord      `json:"agents"`
	CacheLayers     []CacheLayer       `json:"cache_layers"`
	OverallCacheHit bool               `json:"overall_cache_hit"`
	Cost            CostBreakdown      `json:"cost"`
	Performance     PerformanceMetrics `json:"performance"`
	Session         SessionMetrics     `json:"session"`
	Timeline        Timeline           `json:"timeline"`
}
