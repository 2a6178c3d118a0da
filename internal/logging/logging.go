package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures the process logger
type Options struct {
	Level       string
	Format      string // "text" or "json"
	BufferLines int
	Output      io.Writer
}

// New builds a logrus logger and the in-memory buffer backing GET /logs
func New(opts Options) (*logrus.Logger, *LogBuffer) {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	buffer := NewLogBuffer(opts.BufferLines)
	logger.AddHook(buffer)
	return logger, buffer
}

// LogBuffer captures the most recent log lines in memory
type LogBuffer struct {
	lines []string
	max   int
	mu    sync.Mutex
}

// NewLogBuffer keeps at most max lines (1000 when max <= 0)
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 1000
	}
	return &LogBuffer{lines: make([]string, 0, max), max: max}
}

// Levels implements logrus.Hook
func (lb *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (lb *LogBuffer) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	lb.append(strings.TrimRight(line, "\n"))
	return nil
}

func (lb *LogBuffer) append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.max {
		lb.lines = lb.lines[len(lb.lines)-lb.max:]
	}
}

// GetLogs returns a copy of the buffered lines, oldest first
func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// Discard returns a logger that writes nowhere, for tests and tools
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
