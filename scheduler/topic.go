package scheduler

import (
	"fmt"
	"sync"

	"github.com/BaSui01/vidflow/types"
)

// CreativeSpec is an already-expanded creative brief for one clip. Template
// expansion itself is an external collaborator; the scheduler only consumes
// its output.
type CreativeSpec struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio"`
}

// TopicSource supplies the next creative spec for a platform and tier.
type TopicSource interface {
	Next(platform string, tier types.Tier) (CreativeSpec, error)
}

// StaticTopicSource cycles through a fixed prompt rotation per (platform,
// tier). It is the default collaborator; production deployments plug in a
// trend-driven source through the same interface.
type StaticTopicSource struct {
	mu      sync.Mutex
	prompts []CreativeSpec
	cursors map[string]int
}

// NewStaticTopicSource creates a rotation over the given specs.
func NewStaticTopicSource(prompts []CreativeSpec) *StaticTopicSource {
	if len(prompts) == 0 {
		prompts = []CreativeSpec{
			{Prompt: "ambient nature loop", DurationSeconds: 5, AspectRatio: "16:9"},
			{Prompt: "city timelapse at dusk", DurationSeconds: 8, AspectRatio: "9:16"},
			{Prompt: "slow ocean waves", DurationSeconds: 6, AspectRatio: "16:9"},
			{Prompt: "abstract ink in water", DurationSeconds: 5, AspectRatio: "1:1"},
		}
	}
	return &StaticTopicSource{
		prompts: prompts,
		cursors: make(map[string]int),
	}
}

// Next implements TopicSource.
func (s *StaticTopicSource) Next(platform string, tier types.Tier) (CreativeSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s", platform, tier)
	i := s.cursors[key]
	s.cursors[key] = i + 1
	return s.prompts[i%len(s.prompts)], nil
}
