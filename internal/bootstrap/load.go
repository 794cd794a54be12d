package bootstrap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/config"
	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/logging"
)

// Load reads and validates the configuration and builds the logger. An
// empty path searches the default locations.
func Load(path string) (domain.ConfigManager, *logrus.Logger, error) {
	mgr, err := config.NewManagerFromFile(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, err := logging.New(mgr.GetConfig().Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return mgr, logger, nil
}

// Open loads the configuration at path and creates an App.
func Open(path string) (*App, domain.ConfigManager, error) {
	mgr, logger, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	return New(mgr.GetConfig(), logger), mgr, nil
}
