package gormstore

import (
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm/logger"
)

// NewLogger reports slow statements and failures to w. Lookups that match no
// row are part of normal operation (every first send misses the token index)
// and are not reported.
func NewLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Logger routes gorm output through the process logger.
func Logger() logger.Interface {
	return NewLogger(log.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel}))
}
