package config

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Source types.
const (
	SourceSingle    = "single"
	SourceDirScan   = "dirscan"
	SourceCursor    = "cursor"
	SourceReverse   = "reverse"
	SourceNarrowing = "narrowing"
)

// DateLayout is the layout of start and end dates in source configs.
const DateLayout = "2006-01-02"

// SourceConfig declares one locator. Which fields apply depends on Type.
type SourceConfig struct {
	Type     string            `mapstructure:"type"`
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	Params   map[string]string `mapstructure:"params"`
	Metadata map[string]any    `mapstructure:"metadata"`

	// dirscan
	Pattern string `mapstructure:"pattern"`

	// cursor and reverse
	Param   string `mapstructure:"param"`
	Initial string `mapstructure:"initial"`

	// reverse: either a fixed Latest page or a JSON endpoint to read it from.
	Latest      int    `mapstructure:"latest"`
	LatestURL   string `mapstructure:"latest_url"`
	LatestField string `mapstructure:"latest_field"`
	Floor       int    `mapstructure:"floor"`
	Batch       int    `mapstructure:"batch"`

	// narrowing
	Start      string `mapstructure:"start"`
	End        string `mapstructure:"end"`
	Alphabet   string `mapstructure:"alphabet"`
	MaxDepth   int    `mapstructure:"max_depth"`
	Cap        int    `mapstructure:"cap"`
	CountURL   string `mapstructure:"count_url"`
	CountField string `mapstructure:"count_field"`
}

// Validate checks the fields required by the source type.
func (s SourceConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("%s: url is required", s.Name)
	}
	switch s.Type {
	case SourceSingle, SourceCursor:
	case SourceDirScan:
		if s.Pattern != "" {
			if _, err := path.Match(s.Pattern, ""); err != nil {
				return fmt.Errorf("%s: bad pattern %q: %w", s.Name, s.Pattern, err)
			}
		}
	case SourceReverse:
		if s.Latest <= 0 && s.LatestURL == "" {
			return fmt.Errorf("%s: latest or latest_url is required", s.Name)
		}
		if s.LatestURL != "" && s.LatestField == "" {
			return fmt.Errorf("%s: latest_field is required with latest_url", s.Name)
		}
	case SourceNarrowing:
		if s.Cap < 1 {
			return fmt.Errorf("%s: cap must be >= 1", s.Name)
		}
		if s.CountURL == "" || s.CountField == "" {
			return fmt.Errorf("%s: count_url and count_field are required", s.Name)
		}
		start, end, err := s.Dates()
		if err != nil {
			return err
		}
		if end.Before(start) {
			return fmt.Errorf("%s: end is before start", s.Name)
		}
	default:
		return fmt.Errorf("%s: unknown type %q", s.Name, s.Type)
	}
	return nil
}

// Dates parses Start and End. An empty End means today in UTC.
func (s SourceConfig) Dates() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, s.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: bad start date %q: %w", s.Name, s.Start, err)
	}
	if s.End == "" {
		return start, time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	end, err := time.Parse(DateLayout, s.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: bad end date %q: %w", s.Name, s.End, err)
	}
	return start, end, nil
}
