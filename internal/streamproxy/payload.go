package streamproxy

// Stages name the party an event is about.
const (
	StageConnecting = "proxy_connecting"
	StageBackend    = "backend"
	StageForwarding = "proxy_stream"
)

// Checkpoints identify where in the connect protocol an event was produced.
const (
	CheckpointPreflightStart   = "backend_preflight_start"
	CheckpointPreflightOK      = "backend_preflight_ok"
	CheckpointPreflightFailed  = "backend_preflight_failed"
	CheckpointAttemptStart     = "connect_attempt_start"
	CheckpointWait             = "connect_wait"
	CheckpointRetry            = "connect_retry"
	CheckpointExhausted        = "connect_exhausted"
	CheckpointFailed           = "connect_failed"
	CheckpointBackendHTTPError = "backend_http_error"
	CheckpointBackendNoBody    = "backend_no_body"
	CheckpointConnected        = "proxy_connected"
	CheckpointForwardError     = "proxy_stream_forward_error"
)

// Error codes that are not derived from a transport error.
const (
	CodeBackendUnresponsive = "BACKEND_UNRESPONSIVE"
	CodeBackendNoBody       = "BACKEND_NO_BODY"
)

// Payload is the JSON body of a proxy-originated SSE event.
type Payload struct {
	Stage              string `json:"stage"`
	Message            string `json:"message,omitempty"`
	Error              string `json:"error,omitempty"`
	Detail             string `json:"detail,omitempty"`
	Checkpoint         string `json:"checkpoint"`
	StreamState        string `json:"stream_state,omitempty"`
	ErrorCode          string `json:"error_code,omitempty"`
	IsTerminal         bool   `json:"is_terminal,omitempty"`
	RequestID          string `json:"request_id,omitempty"`
	Attempt            int    `json:"attempt,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
	AttemptsUsed       int    `json:"attempts_used,omitempty"`
	Retrying           bool   `json:"retrying,omitempty"`
	AttemptElapsedMs   int64  `json:"attempt_elapsed_ms,omitempty"`
	AttemptTimeoutMs   int64  `json:"attempt_timeout_ms,omitempty"`
	AttemptRemainingMs *int64 `json:"attempt_remaining_ms,omitempty"`
	RetryDelayMs       int64  `json:"retry_delay_ms,omitempty"`
	Status             int    `json:"status,omitempty"`
	BackendHost        string `json:"backend_host,omitempty"`
	HealthURL          string `json:"health_url,omitempty"`
}
