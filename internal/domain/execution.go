package domain

// ExecutionOutcome describes one sandboxed snippet run.
// ExitCode is nil when the process did not exit normally (signal, timeout).
type ExecutionOutcome struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   *int   `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
}

// CodeMetrics is a line-oriented summary of script source
type CodeMetrics struct {
	Lines      int `json:"lines"`
	Functions  int `json:"functions"`
	Classes    int `json:"classes"`
	Complexity int `json:"complexity"`
}

// IndexStats summarises a workspace indexing walk
type IndexStats struct {
	Files      int   `json:"files"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// RetrievalMetadata echoes the retrieval request
type RetrievalMetadata struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

// RetrievalResult is the (currently always empty) chunk retrieval response
type RetrievalResult struct {
	Results  []string          `json:"results"`
	Metadata RetrievalMetadata `json:"metadata"`
}
