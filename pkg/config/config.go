package config

import "os"

// Config holds engine configuration sourced from the environment.
type Config struct {
	LogLevel         string
	ChainDSN         string
	CheckpointDSN    string
	RedisAddr        string
	ConstitutionPath string
	OTLPEndpoint     string
	ApprovalTokenKey string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	chainDSN := os.Getenv("TILLER_CHAIN_DSN")
	if chainDSN == "" {
		chainDSN = "file:tiller-chain.db?_pragma=journal_mode(WAL)"
	}

	checkpointDSN := os.Getenv("TILLER_CHECKPOINT_DSN")
	if checkpointDSN == "" {
		checkpointDSN = "file:tiller-checkpoints.db?_pragma=journal_mode(WAL)"
	}

	constitutionPath := os.Getenv("TILLER_CONSTITUTION")
	if constitutionPath == "" {
		constitutionPath = "constitution.yaml"
	}

	return &Config{
		LogLevel:         logLevel,
		ChainDSN:         chainDSN,
		CheckpointDSN:    checkpointDSN,
		RedisAddr:        os.Getenv("TILLER_REDIS_ADDR"),
		ConstitutionPath: constitutionPath,
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ApprovalTokenKey: os.Getenv("TILLER_APPROVAL_TOKEN_KEY"),
	}
}
