package registry

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

var ErrAlreadyStarted = errors.New("stream registry already started")

// ConfigError is returned when one or more stream configurations are invalid. Every problem found is reported,
// not just the first one.
type ConfigError struct {
	Problems *multierror.Error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid stream configuration: %s", e.Problems.Error())
}

func (e *ConfigError) Unwrap() error {
	return e.Problems
}

// ValidateConfigs checks a batch of stream configurations. It returns a *ConfigError describing every invalid
// config, including repeated ids, or nil if the whole batch is valid.
func ValidateConfigs(configs []model.StreamConfig) error {
	var result *multierror.Error
	seen := make(map[string]int, len(configs))
	for i, cfg := range configs {
		result = appendConfigProblems(result, i, cfg)
		if cfg.Id == "" {
			continue
		}
		if first, ok := seen[cfg.Id]; ok {
			result = multierror.Append(result, errors.Errorf("stream %d: id %q already used by stream %d", i, cfg.Id, first))
			continue
		}
		seen[cfg.Id] = i
	}
	if result != nil {
		return &ConfigError{Problems: result}
	}
	return nil
}

func appendConfigProblems(result *multierror.Error, i int, cfg model.StreamConfig) *multierror.Error {
	if cfg.Id == "" {
		result = multierror.Append(result, errors.Errorf("stream %d: id must not be empty", i))
	}
	if math.IsNaN(cfg.FrequencyHz) || math.IsInf(cfg.FrequencyHz, 0) || cfg.FrequencyHz <= 0 {
		result = multierror.Append(result, errors.Errorf("stream %d: frequencyHz must be a positive number, got %v", i, cfg.FrequencyHz))
	}
	if cfg.BufferCapacity <= 0 {
		result = multierror.Append(result, errors.Errorf("stream %d: bufferCapacity must be greater than zero, got %d", i, cfg.BufferCapacity))
	}
	if cfg.Category != "" && !cfg.Category.Valid() {
		result = multierror.Append(result, errors.Errorf("stream %d: unknown category %q", i, cfg.Category))
	}
	return result
}

func multierrorOf(errs ...error) *multierror.Error {
	return multierror.Append(nil, errs...)
}
