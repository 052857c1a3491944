package config

const (
	defaultConfigPath          = "~/.config/ggmlforge/config.toml"
	defaultWorkDir             = "~/.local/share/ggmlforge"
	defaultToolchainDir        = "llama.cpp"
	defaultModelsDir           = "models"
	defaultOutputsDir          = "outputs"
	defaultStagingDir          = ".staging"
	defaultStateDir            = ".state"
	defaultLogDir              = "logs"
	defaultReleaseTag          = "d2a4366"
	defaultArchiveURLTemplate  = "https://github.com/ggerganov/llama.cpp/archive/refs/tags/master-%s.tar.gz"
	defaultExtractedTemplate   = "llama.cpp-master-%s"
	defaultQuantizeBinary      = "quantize"
	defaultFetchCommand        = "wget"
	defaultExtractCommand      = "tar"
	defaultMoveCommand         = "mv"
	defaultBuildCommand        = "make"
	defaultToolchainFetchSecs  = 600
	defaultToolchainBuildSecs  = 1800
	defaultCloneCommand        = "git"
	defaultFetchMaxAttempts    = 3
	defaultFetchTimeoutSecs    = 7200
	defaultConvertInterpreter  = "python3"
	defaultConvertScript       = "convert.py"
	defaultConvertOutType      = "f16"
	defaultConvertTimeoutSecs  = 3600
	defaultReduceTimeoutSecs   = 3600
	defaultServerBind          = "0.0.0.0:3000"
	defaultServerRoute         = "/json"
	defaultNotifyTimeoutSecs   = 10
	defaultTelemetryService    = "ggmlforge"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 14
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:      defaultWorkDir,
			ToolchainDir: defaultToolchainDir,
			ModelsDir:    defaultModelsDir,
			OutputsDir:   defaultOutputsDir,
			StagingDir:   defaultStagingDir,
			StateDir:     defaultStateDir,
			LogDir:       defaultLogDir,
		},
		Toolchain: Toolchain{
			ReleaseTag:     defaultReleaseTag,
			Binary:         defaultQuantizeBinary,
			FetchCommand:   defaultFetchCommand,
			ExtractCommand: defaultExtractCommand,
			MoveCommand:    defaultMoveCommand,
			BuildCommand:   defaultBuildCommand,
			BuildArgs:      []string{"-j"},
			VerifyArgs:     []string{"--help"},
			FetchTimeout:   defaultToolchainFetchSecs,
			BuildTimeout:   defaultToolchainBuildSecs,
		},
		Fetch: Fetch{
			CloneCommand: defaultCloneCommand,
			CloneArgs:    []string{"clone", "--depth", "1"},
			MaxAttempts:  defaultFetchMaxAttempts,
			Timeout:      defaultFetchTimeoutSecs,
		},
		Convert: Convert{
			Interpreter: defaultConvertInterpreter,
			Script:      defaultConvertScript,
			OutType:     defaultConvertOutType,
			Timeout:     defaultConvertTimeoutSecs,
		},
		Reduce: Reduce{
			Timeout: defaultReduceTimeoutSecs,
		},
		Server: Server{
			Bind:  defaultServerBind,
			Route: defaultServerRoute,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeoutSecs,
			Completions:    true,
			Errors:         true,
		},
		Telemetry: Telemetry{
			ServiceName: defaultTelemetryService,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
