package main

// EpisodeSummary is one self-play episode aggregated from its move rows.
type EpisodeSummary struct {
	GameID string `json:"game_id"`
	// StartedNs is parsed from game_id for selfplay games with format: selfplay_<unix_nano>_<worker>.
	// Nil for game IDs that do not match that format.
	StartedNs    *int64  `json:"started_ns"`
	Moves        int32   `json:"moves"`
	TotalReward  float64 `json:"total_reward"`
	ModelVersion int64   `json:"model_version"`
	Worker       int32   `json:"worker"`
	Source       string  `json:"source"`
	SourceFile   string  `json:"file"`
}

type EpisodesResponse struct {
	Total    int64            `json:"total"`
	Episodes []EpisodeSummary `json:"episodes"`
}

// MoveDetail is one move row of an episode. The terminal row carries
// action -1 and the final observation.
type MoveDetail struct {
	Move        int32     `json:"move"`
	Action      int32     `json:"action"`
	Reward      float32   `json:"reward"`
	RootValue   float32   `json:"root_value"`
	ChildVisits []float32 `json:"child_visits,omitempty"`
	Observation []float32 `json:"observation,omitempty"`
}

type EpisodeResponse struct {
	GameID string       `json:"game_id"`
	Moves  []MoveDetail `json:"moves"`
}

type StatsPoint struct {
	TNs int64 `json:"t_ns"`

	Episodes        int64   `json:"episodes"`
	TotalMoves      int64   `json:"total_moves"`
	TotalReward     float64 `json:"total_reward"`
	MaxModelVersion int64   `json:"max_model_version"`
}

type StatsResponse struct {
	FromNs   int64        `json:"from_ns"`
	ToNs     int64        `json:"to_ns"`
	BucketNs int64        `json:"bucket_ns"`
	Points   []StatsPoint `json:"points"`
}
