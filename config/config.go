package config

import (
	"cookshare/feeds"
	"cookshare/models"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlFeed represents a hosted feed configuration
type TomlFeed struct {
	Id          string            `toml:"id"`
	DisplayName string            `toml:"display_name"`
	Description string            `toml:"description"`
	Resource    string            `toml:"resource"`
	Filter      map[string]string `toml:"filter,omitempty"`
	PageSize    int               `toml:"page_size,omitempty"`
	// Pages loaded when the feed is opened, on top of the first one
	Preload       int  `toml:"preload,omitempty"`
	EnrichAuthors bool `toml:"enrich_authors"`
}

// Options converts the TOML feed into reconciler options
func (f TomlFeed) Options() feeds.Options {
	var filter models.Filter
	if len(f.Filter) > 0 {
		filter = models.Filter(f.Filter)
	}
	return feeds.Options{
		Resource:      f.Resource,
		Filter:        filter,
		PageSize:      f.PageSize,
		EnrichAuthors: f.EnrichAuthors,
	}
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Feeds []TomlFeed `toml:"feeds"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects duplicate ids and feeds that could not be opened
func (c *TomlConfig) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for i, feed := range c.Feeds {
		if feed.Id == "" {
			return fmt.Errorf("feed %d: id is required", i)
		}
		if seen[feed.Id] {
			return fmt.Errorf("feed %s: duplicate id", feed.Id)
		}
		seen[feed.Id] = true

		if feed.Resource != "" {
			if _, err := models.KindForResource(feed.Resource); err != nil {
				return fmt.Errorf("feed %s: %w", feed.Id, err)
			}
		}
		if err := models.Filter(feed.Filter).Validate(); err != nil {
			return fmt.Errorf("feed %s: %w", feed.Id, err)
		}
		if feed.PageSize < 0 || feed.Preload < 0 {
			return fmt.Errorf("feed %s: page_size and preload must not be negative", feed.Id)
		}
	}
	return nil
}
