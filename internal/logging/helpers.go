package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memguard/pkg/config"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig initializes the global logger from configuration
func InitializeFromConfig(nodeID string, logConfig config.LoggingConfig) (*Logger, error) {
	// Ensure log directory exists
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Set log file path if not specified
	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		if logConfig.LogDir != "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", nodeID))
		} else {
			logFile = fmt.Sprintf("%s.log", nodeID)
		}
	}

	var maxSizeMB int
	if logConfig.MaxFileSize != "" {
		size, err := config.ParseSize(logConfig.MaxFileSize)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.max_file_size: %w", err)
		}
		maxSizeMB = int(size / (1024 * 1024))
		if maxSizeMB == 0 {
			maxSizeMB = 1
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		MaxFileSizeMB: maxSizeMB,
		MaxFiles:      logConfig.MaxFiles,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// ComponentNames for structured logging
const (
	ComponentCoordinator     = "coordinator"
	ComponentSampler         = "sampler"
	ComponentRegistry        = "registry"
	ComponentMetricsRegistry = "metrics_registry"
	ComponentIdle            = "idle"
	ComponentStorage         = "storage"
	ComponentCache           = "cache"
	ComponentGossip          = "gossip"
	ComponentHTTP            = "http"
	ComponentConfig          = "config"
	ComponentMain            = "main"
)

// ActionNames for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRequest    = "request"
	ActionResponse   = "response"
	ActionSample     = "sample"
	ActionClassify   = "classify"
	ActionPass       = "pass"
	ActionHandler    = "handler"
	ActionRegister   = "register"
	ActionUnregister = "unregister"
	ActionCoalesce   = "coalesce"
	ActionLifecycle  = "lifecycle"
	ActionGCHint     = "gc_hint"
	ActionDefer      = "defer"
	ActionBroadcast  = "broadcast"
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionSubscribe  = "subscribe"
	ActionCleanup    = "cleanup"
	ActionReport     = "report"
	ActionValidation = "validation"
)
