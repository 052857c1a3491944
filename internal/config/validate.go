package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateToolchain(); err != nil {
		return err
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateToolchain() error {
	if strings.TrimSpace(c.Toolchain.ReleaseTag) == "" {
		return errors.New("toolchain.release_tag must be set")
	}
	if strings.ContainsAny(c.Toolchain.ExtractedName, `/\`) {
		return errors.New("toolchain.extracted_name must be a single directory name")
	}
	if strings.ContainsAny(c.Toolchain.Binary, `/\`) {
		return errors.New("toolchain.binary must be a file name inside the toolchain directory")
	}
	return nil
}

func (c *Config) validateFetch() error {
	if c.Fetch.MaxAttempts < 1 {
		return errors.New("fetch.max_attempts must be >= 1")
	}
	if c.Fetch.RetryDelaySeconds < 0 {
		return errors.New("fetch.retry_delay_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if src.Location == "" {
			return fmt.Errorf("sources[%d].location must be set for %q", i, src.Name)
		}
		if strings.ContainsAny(src.Name, `/\ `) || src.Name == "." || src.Name == ".." {
			return fmt.Errorf("sources[%d].name %q must be usable as a directory name", i, src.Name)
		}
		key := strings.ToLower(src.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sources[%d].name %q is declared more than once", i, src.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	return ensureNonNegativeMap(map[string]int{
		"toolchain.fetch_timeout":       c.Toolchain.FetchTimeout,
		"toolchain.build_timeout":       c.Toolchain.BuildTimeout,
		"fetch.timeout":                 c.Fetch.Timeout,
		"convert.timeout":               c.Convert.Timeout,
		"reduce.timeout":                c.Reduce.Timeout,
		"server.request_timeout":        c.Server.RequestTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	})
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return errors.New("server.bind must be set")
	}
	if base := c.Server.DownloadBaseURL; base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("server.download_base_url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return errors.New("server.download_base_url must use http or https")
		}
	}
	return nil
}

func ensureNonNegativeMap(values map[string]int) error {
	for key, value := range values {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0 (seconds, 0 disables)", key)
		}
	}
	return nil
}
