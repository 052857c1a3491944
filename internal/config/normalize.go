package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeToolchain()
	c.normalizeFetch()
	c.normalizeSources()
	c.normalizeConvert()
	c.normalizeServer()
	c.normalizeNotifications()
	c.normalizeTelemetry()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("GGMLFORGE_WORK_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.WorkDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	var err error
	if c.Paths.WorkDir, err = expandPath(strings.TrimSpace(c.Paths.WorkDir)); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}

	entries := []struct {
		key      string
		value    *string
		fallback string
	}{
		{"paths.toolchain_dir", &c.Paths.ToolchainDir, defaultToolchainDir},
		{"paths.models_dir", &c.Paths.ModelsDir, defaultModelsDir},
		{"paths.outputs_dir", &c.Paths.OutputsDir, defaultOutputsDir},
		{"paths.staging_dir", &c.Paths.StagingDir, defaultStagingDir},
		{"paths.state_dir", &c.Paths.StateDir, defaultStateDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
	}
	for _, entry := range entries {
		if strings.TrimSpace(*entry.value) == "" {
			*entry.value = entry.fallback
		}
		resolved, err := resolveUnder(c.Paths.WorkDir, *entry.value)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.key, err)
		}
		*entry.value = resolved
	}
	return nil
}

func (c *Config) normalizeToolchain() {
	c.Toolchain.ReleaseTag = strings.TrimSpace(c.Toolchain.ReleaseTag)
	if c.Toolchain.ReleaseTag == "" {
		c.Toolchain.ReleaseTag = defaultReleaseTag
	}
	c.Toolchain.ArchiveURL = strings.TrimSpace(c.Toolchain.ArchiveURL)
	if c.Toolchain.ArchiveURL == "" {
		c.Toolchain.ArchiveURL = fmt.Sprintf(defaultArchiveURLTemplate, c.Toolchain.ReleaseTag)
	}
	c.Toolchain.ExtractedName = strings.TrimSpace(c.Toolchain.ExtractedName)
	if c.Toolchain.ExtractedName == "" {
		c.Toolchain.ExtractedName = fmt.Sprintf(defaultExtractedTemplate, c.Toolchain.ReleaseTag)
	}
	c.Toolchain.Binary = defaultString(c.Toolchain.Binary, defaultQuantizeBinary)
	c.Toolchain.FetchCommand = defaultString(c.Toolchain.FetchCommand, defaultFetchCommand)
	c.Toolchain.ExtractCommand = defaultString(c.Toolchain.ExtractCommand, defaultExtractCommand)
	c.Toolchain.MoveCommand = defaultString(c.Toolchain.MoveCommand, defaultMoveCommand)
	c.Toolchain.BuildCommand = defaultString(c.Toolchain.BuildCommand, defaultBuildCommand)
	c.Toolchain.BuildArgs = trimArgs(c.Toolchain.BuildArgs)
	c.Toolchain.VerifyArgs = trimArgs(c.Toolchain.VerifyArgs)
}

func (c *Config) normalizeFetch() {
	c.Fetch.CloneCommand = defaultString(c.Fetch.CloneCommand, defaultCloneCommand)
	c.Fetch.CloneArgs = trimArgs(c.Fetch.CloneArgs)
	if len(c.Fetch.CloneArgs) == 0 {
		c.Fetch.CloneArgs = []string{"clone"}
	}
}

func (c *Config) normalizeSources() {
	sources := make([]Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		src.Name = strings.TrimSpace(src.Name)
		src.Location = strings.TrimSpace(src.Location)
		if src.Name == "" && src.Location == "" {
			continue
		}
		sources = append(sources, src)
	}
	c.Sources = sources
}

func (c *Config) normalizeConvert() {
	c.Convert.Interpreter = defaultString(c.Convert.Interpreter, defaultConvertInterpreter)
	c.Convert.Script = defaultString(c.Convert.Script, defaultConvertScript)
	c.Convert.OutType = strings.ToLower(defaultString(c.Convert.OutType, defaultConvertOutType))
}

func (c *Config) normalizeServer() {
	c.Server.Bind = defaultString(c.Server.Bind, defaultServerBind)
	c.Server.Route = defaultString(c.Server.Route, defaultServerRoute)
	if !strings.HasPrefix(c.Server.Route, "/") {
		c.Server.Route = "/" + c.Server.Route
	}
	c.Server.DownloadBaseURL = strings.TrimRight(strings.TrimSpace(c.Server.DownloadBaseURL), "/")
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("GGMLFORGE_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeoutSecs
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.ServiceName = defaultString(c.Telemetry.ServiceName, defaultTelemetryService)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func defaultString(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func trimArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
