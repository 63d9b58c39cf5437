package hyperspaced

import (
	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/internal/logging"
)

// InitLogging initializes the logging subsystem.
func InitLogging(cfg *logging.Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	return logging.Init(cfg)
}
