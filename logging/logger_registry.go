package logging

import (
	"regexp"
	"sync"

	"go.uber.org/multierr"
)

// Registry tracks named loggers so levels can be changed by pattern at runtime.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

var globalRegistry = newRegistry()

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

// register adds a logger to the global registry and applies any matching pattern level.
func register(logger Logger) Logger {
	if logger.Name() == "" {
		return logger
	}
	globalRegistry.registerLogger(logger.Name(), logger)
	globalRegistry.applyConfig(logger)
	return logger
}

func (lr *Registry) registerLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// applyConfig sets the level of the logger from the last matching pattern, if any.
func (lr *Registry) applyConfig(logger Logger) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	for _, lpc := range lr.logConfig {
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil || !r.MatchString(logger.Name()) {
			continue
		}
		if level, err := LevelFromString(lpc.Level); err == nil {
			logger.SetLevel(level)
		}
	}
}

// UpdateLoggerLevels validates and installs pattern levels, then applies them to every registered
// logger. Later patterns take precedence over earlier ones.
func UpdateLoggerLevels(patterns []LoggerPatternConfig) error {
	var errs error
	valid := make([]LoggerPatternConfig, 0, len(patterns))
	for _, lpc := range patterns {
		if err := lpc.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		valid = append(valid, lpc)
	}

	globalRegistry.mu.Lock()
	globalRegistry.logConfig = valid
	loggers := make([]Logger, 0, len(globalRegistry.loggers))
	for _, logger := range globalRegistry.loggers {
		loggers = append(loggers, logger)
	}
	globalRegistry.mu.Unlock()

	for _, logger := range loggers {
		globalRegistry.applyConfig(logger)
	}
	return errs
}
