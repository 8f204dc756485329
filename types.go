package genbatch

// Service identifies one of the two independently metered workloads.
// A key's image quota and voice quota never interact.
type Service string

const (
	ServiceImage Service = "image"
	ServiceVoice Service = "voice"
)

// Valid reports whether s is a known service.
func (s Service) Valid() bool {
	return s == ServiceImage || s == ServiceVoice
}

// ItemStatus is the lifecycle state of a WorkItem.
// Items start as Generating and move exactly once to Success or Error.
type ItemStatus string

const (
	StatusGenerating ItemStatus = "generating"
	StatusSuccess    ItemStatus = "success"
	StatusError      ItemStatus = "error"
)

// WorkItem is one unit of requested generation: one prompt crossed with
// one variant index. Terminal states are final; regeneration produces a
// fresh item rather than reviving an old one.
type WorkItem struct {
	ID           string
	Batch        int64 // unix millis of the batch, used for output naming
	ChunkIndex   int
	VariantIndex int
	Input        string
	Status       ItemStatus
	Error        string
	// Payloads holds the raw result bytes: one entry per generated image,
	// or a single audio entry for voice items. Nil until Success.
	Payloads [][]byte
}

// RateLimit is the externally imposed budget for a (service, model) pair.
// Zero values mean "no limit enforced" for that dimension.
type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// Stats summarizes a finished batch.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
}

// ProgressSnapshot is handed to progress callbacks as items settle.
// Completed counts successes; Current is the most recently settled input.
type ProgressSnapshot struct {
	Total     int
	Completed int
	Failed    int
	Current   string
}

// ProgressFunc receives a snapshot plus the items the event concerns:
// the full placeholder list when a batch starts, then one-item deltas as
// each item settles. Callbacks are serialized but may arrive in any
// order relative to input order.
type ProgressFunc func(ProgressSnapshot, []WorkItem)

// BatchRequest describes one batch of generation work.
type BatchRequest struct {
	Service  Service
	Model    string
	Prompts  []string
	Replicas int // variants per prompt, minimum 1

	// Image options.
	AspectRatio string
	ImageCount  int // images per call, default 1

	// Voice options.
	Voice string

	// Timestamp stamps every item for deterministic output naming.
	// Zero means "now".
	Timestamp int64
}
