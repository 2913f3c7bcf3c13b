package logging

import (
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileAppenderConfig describes a size-rotated log file.
type FileAppenderConfig struct {
	Filename   string `json:"filename" yaml:"filename"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

const defaultMaxSizeMB = 50

// FileAppender is a console-formatted appender that writes to a rotating file.
type FileAppender struct {
	ConsoleAppender
	file *lumberjack.Logger
}

// NewFileAppender returns an appender writing to the configured file. Close it when done.
func NewFileAppender(cfg FileAppenderConfig) (*FileAppender, error) {
	if cfg.Filename == "" {
		return nil, errors.New("log file appender requires a filename")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &FileAppender{ConsoleAppender: NewWriterAppender(file), file: file}, nil
}

// Close closes the underlying file.
func (fa *FileAppender) Close() error {
	return fa.file.Close()
}
