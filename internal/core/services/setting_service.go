package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sjq/engine/internal/config"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

const (
	SettingKeepCompletedDays = "keep_completed_days"
	SettingKeepFailedDays    = "keep_failed_days"
	SettingKeepSkippedDays   = "keep_skipped_days"
	SettingLicenseState      = "license_state"

	settingCategoryEngine   = "engine"
	settingCategoryInternal = "internal"
)

type settingRange struct {
	min, max int
}

var retentionRange = settingRange{min: 1, max: 365}

var mutableSettings = map[string]settingRange{
	SettingKeepCompletedDays: retentionRange,
	SettingKeepFailedDays:    retentionRange,
	SettingKeepSkippedDays:   retentionRange,
}

// SystemSettingService stores the runtime-tunable engine settings. Values
// absent from the store fall back to the configured defaults.
type SystemSettingService struct {
	repo     ports.SystemSettingRepository
	logger   *logger.Logger
	defaults map[string]string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
}

func NewSystemSettingService(repo ports.SystemSettingRepository, retention config.RetentionConfig, logger *logger.Logger) *SystemSettingService {
	return &SystemSettingService{
		repo:   repo,
		logger: logger,
		defaults: map[string]string{
			SettingKeepCompletedDays: strconv.Itoa(retention.KeepCompletedDays),
			SettingKeepFailedDays:    strconv.Itoa(retention.KeepFailedDays),
			SettingKeepSkippedDays:   strconv.Itoa(retention.KeepSkippedDays),
		},
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *SystemSettingService) lockKeys(keys ...string) func() {
	if len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// Get returns the stored value of key, or def when it is unset or the store fails.
func (s *SystemSettingService) Get(ctx context.Context, key, def string) string {
	setting, err := s.repo.Get(ctx, key)
	if err != nil {
		s.logger.Errorw("setting_get_failed", "key", key, "error", err)
		return def
	}
	if setting == nil {
		return def
	}
	return setting.Value
}

func (s *SystemSettingService) GetInt(ctx context.Context, key string, def int) int {
	raw := s.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warnw("setting_not_an_integer", "key", key, "value", raw)
		return def
	}
	return v
}

// GetSettings returns the engine settings merged over their defaults.
func (s *SystemSettingService) GetSettings(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		result[k] = v
	}

	settings, err := s.repo.GetByCategory(ctx, settingCategoryEngine)
	if err != nil {
		s.logger.Errorw("failed to get settings by category", "category", settingCategoryEngine, "error", err)
		return nil, err
	}
	for _, setting := range settings {
		result[setting.Key] = setting.Value
	}
	return result, nil
}

// UpdateSettings validates and stores every value. Nothing is written when
// any key is unknown or out of range.
func (s *SystemSettingService) UpdateSettings(ctx context.Context, settings map[string]interface{}) error {
	values := make(map[string]string, len(settings))
	keys := make([]string, 0, len(settings))
	for key, val := range settings {
		rng, ok := mutableSettings[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
		}

		var n int
		switch v := val.(type) {
		case int:
			n = v
		case int64:
			n = int(v)
		case float64:
			if v != float64(int(v)) {
				return fmt.Errorf("%w: %s must be an integer", ErrInvalidSetting, key)
			}
			n = int(v)
		case string:
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s must be an integer", ErrInvalidSetting, key)
			}
			n = parsed
		default:
			return fmt.Errorf("%w: %s must be an integer", ErrInvalidSetting, key)
		}
		if err := config.ValidateIntRange(n, rng.min, rng.max); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalidSetting, key, err)
		}
		values[key] = strconv.Itoa(n)
		keys = append(keys, fmt.Sprintf("setting:%s", key))
	}

	unlock := s.lockKeys(keys...)
	defer unlock()

	for key, val := range values {
		setting := &domain.SystemSetting{
			Key:      key,
			Value:    val,
			Type:     "int",
			Category: settingCategoryEngine,
		}
		if err := s.repo.Set(ctx, setting); err != nil {
			s.logger.Errorw("failed to set setting", "key", key, "error", err)
			return err
		}
	}
	return nil
}

// ResetSetting removes the stored value of key so its configured default
// applies again.
func (s *SystemSettingService) ResetSetting(ctx context.Context, key string) error {
	if _, ok := mutableSettings[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	unlock := s.lockKeys(fmt.Sprintf("setting:%s", key))
	defer unlock()

	if err := s.repo.Delete(ctx, key); err != nil {
		s.logger.Errorw("failed to reset setting", "key", key, "error", err)
		return err
	}
	s.logger.Infow("setting_reset_ok", "key", key, "default", s.defaults[key])
	return nil
}

// KeepDays implements ports.RetentionPolicy.
func (s *SystemSettingService) KeepDays(ctx context.Context, state domain.TaskState) int {
	var key string
	switch state {
	case domain.TaskStateCompleted:
		key = SettingKeepCompletedDays
	case domain.TaskStateFailed:
		key = SettingKeepFailedDays
	case domain.TaskStateSkipped:
		key = SettingKeepSkippedDays
	default:
		return 0
	}
	def, _ := strconv.Atoi(s.defaults[key])
	days := s.GetInt(ctx, key, def)
	if days < retentionRange.min || days > retentionRange.max {
		s.logger.Warnw("setting_out_of_range", "key", key, "value", days, "using", def)
		return def
	}
	return days
}

// IsLicensed reports the licensing state recorded by the host installation.
func (s *SystemSettingService) IsLicensed(ctx context.Context) bool {
	v, err := strconv.ParseBool(s.Get(ctx, SettingLicenseState, "false"))
	return err == nil && v
}
