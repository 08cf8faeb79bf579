package runner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const scriptLogTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// scriptLogFormatter writes "[ts] [LEVEL] [pid] message" lines.
type scriptLogFormatter struct{}

func (f *scriptLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := "INFO"
	if entry.Level <= logrus.ErrorLevel {
		level = "ERROR"
	}
	pid := entry.Data["pid"]
	if pid == nil {
		pid = "-"
	}
	return []byte(fmt.Sprintf("[%s] [%s] [%v] %s\n",
		entry.Time.UTC().Format(scriptLogTimeFormat), level, pid, entry.Message)), nil
}

// logSink is the append-only log of one run. Every line also goes to the
// process logger, and the last few lines are kept for alerts.
type logSink struct {
	file    *os.File
	out     *logrus.Logger
	echo    *logrus.Logger
	jobName string
	pid     func() int

	mu       sync.Mutex
	tail     []string
	tailSize int
}

func logFileName(script string) string {
	base := filepath.Base(script)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".log"
}

func openLogSink(dir, script, jobName string, echo *logrus.Logger, tailSize int) (*logSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, logFileName(script))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	out := logrus.New()
	out.SetOutput(f)
	out.SetFormatter(&scriptLogFormatter{})
	out.SetLevel(logrus.InfoLevel)

	return &logSink{
		file:     f,
		out:      out,
		echo:     echo,
		jobName:  jobName,
		pid:      func() int { return 0 },
		tailSize: tailSize,
	}, nil
}

func (s *logSink) Path() string {
	return s.file.Name()
}

func (s *logSink) write(level logrus.Level, line string) {
	pid := s.pid()

	s.out.WithField("pid", pid).Log(level, line)
	s.echo.WithFields(logrus.Fields{
		"job_name": s.jobName,
		"pid":      pid,
	}).Log(level, line)

	s.mu.Lock()
	s.tail = append(s.tail, line)
	if len(s.tail) > s.tailSize {
		s.tail = s.tail[len(s.tail)-s.tailSize:]
	}
	s.mu.Unlock()
}

// Tail returns the most recent lines, oldest first.
func (s *logSink) Tail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tail))
	copy(out, s.tail)
	return out
}

func (s *logSink) Close() error {
	return s.file.Close()
}

// lineWriter splits a process stream into lines for the sink. Each instance
// is written to by a single goroutine owned by os/exec.
type lineWriter struct {
	sink  *logSink
	level logrus.Level
	buf   []byte
}

func (s *logSink) writer(level logrus.Level) *lineWriter {
	return &lineWriter{sink: s, level: level}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(raw []byte) {
	line := strings.TrimRight(string(raw), "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.sink.write(w.level, line)
}
