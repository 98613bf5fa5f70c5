package store

import (
	"encoding/json"
	"time"

	"github.com/spf13/afero"
)

// Stats is what the health responder reports about the document.
type Stats struct {
	FileExists    bool
	TotalMessages int
	LastUpdated   *time.Time
	Err           error
}

// ReadStats reads the summary statistics of the on-disk document without
// modifying it. It may race a concurrent Save and observe the previous
// document.
func (s *Store) ReadStats() Stats {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return Stats{Err: err}
	}
	if !exists {
		return Stats{}
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return Stats{FileExists: true, Err: err}
	}

	var partial struct {
		Stats struct {
			TotalMessages int        `json:"total_messages"`
			LastUpdated   *time.Time `json:"last_updated"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return Stats{FileExists: true, Err: err}
	}

	return Stats{
		FileExists:    true,
		TotalMessages: partial.Stats.TotalMessages,
		LastUpdated:   partial.Stats.LastUpdated,
	}
}
