package ir

// Version constants for IR schema and engine.
const (
	// IRVersion is the graph IR schema version.
	IRVersion = "1"

	// EngineVersion is the fxaware rewrite engine version.
	EngineVersion = "0.1.0"
)
