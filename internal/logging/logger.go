// Package logging provides config-driven categorized file-based logging.
// Logs are written to <data dir>/logs/ with separate files per category.
// Logging is controlled by the logging section of the engine config; when
// debug mode is off, every call is a silent no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup/initialization
	CategoryLoop      Category = "loop"      // cognitive loop cycles
	CategoryStore     Category = "store"     // trace store operations
	CategoryMemory    Category = "memory"    // consolidation, archival, forgetting
	CategoryFrame     Category = "frame"     // frame assembly
	CategorySafety    Category = "safety"    // safety gate verdicts, degraded modes
	CategoryBreaker   Category = "breaker"   // circuit breaker transitions
	CategoryNudge     Category = "nudge"     // escalation decisions, timers
	CategoryDispatch  Category = "dispatch"  // action dispatch and retries
	CategoryEmbedding Category = "embedding" // embedding engine
	CategoryConfig    Category = "config"    // config load/reload
)

// loggingConfig mirrors the logging section of the engine config file to
// avoid a circular import on internal/config.
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	dataDir   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads the logging section of
// the config. Call once at startup with the engine data directory.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	dataDir = dir
	logsDir = filepath.Join(dataDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create the logs directory when debug mode is on.
	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== tether logging initialized ===")
	boot.Info("Data dir: %s", dataDir)
	boot.Info("Log level: %s", config.Level)

	return nil
}

// loadConfig reads the logging config from <data dir>/config.yaml.
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging).
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the logging config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed files keep rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if the logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Loop logs to the loop category.
func Loop(format string, args ...interface{}) { Get(CategoryLoop).Info(format, args...) }

// LoopDebug logs debug to the loop category.
func LoopDebug(format string, args ...interface{}) { Get(CategoryLoop).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Memory logs to the memory category.
func Memory(format string, args ...interface{}) { Get(CategoryMemory).Info(format, args...) }

// MemoryDebug logs debug to the memory category.
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }

// Frame logs to the frame category.
func Frame(format string, args ...interface{}) { Get(CategoryFrame).Info(format, args...) }

// FrameDebug logs debug to the frame category.
func FrameDebug(format string, args ...interface{}) { Get(CategoryFrame).Debug(format, args...) }

// Safety logs to the safety category.
func Safety(format string, args ...interface{}) { Get(CategorySafety).Info(format, args...) }

// SafetyWarn logs warning to the safety category.
func SafetyWarn(format string, args ...interface{}) { Get(CategorySafety).Warn(format, args...) }

// Breaker logs to the breaker category.
func Breaker(format string, args ...interface{}) { Get(CategoryBreaker).Info(format, args...) }

// BreakerDebug logs debug to the breaker category.
func BreakerDebug(format string, args ...interface{}) { Get(CategoryBreaker).Debug(format, args...) }

// Nudge logs to the nudge category.
func Nudge(format string, args ...interface{}) { Get(CategoryNudge).Info(format, args...) }

// NudgeDebug logs debug to the nudge category.
func NudgeDebug(format string, args ...interface{}) { Get(CategoryNudge).Debug(format, args...) }

// Dispatch logs to the dispatch category.
func Dispatch(format string, args ...interface{}) { Get(CategoryDispatch).Info(format, args...) }

// DispatchWarn logs warning to the dispatch category.
func DispatchWarn(format string, args ...interface{}) { Get(CategoryDispatch).Warn(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// Config logs to the config category.
func Config(format string, args ...interface{}) { Get(CategoryConfig).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
