// Package build provides the logging setup shared by all lnbank subsystems.
// Every package gets its own sub logger, tagged with a short subsystem name.
package build

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jrick/logrotate/rotator"
	"github.com/sirupsen/logrus"
)

const (
	logFileName     = "lnbank.log"
	jsonLogFileName = "lnbank.log.json"

	// size in KB a log file can reach before being rotated
	rotateThresholdKB = 10 * 1024
	maxLogRolls       = 5
)

type tunableLogger interface {
	setLevel(level logrus.Level)
	setWriters(human, json io.Writer)
}

type hook struct {
	console     *consoleLogHook
	jsonFile    *jsonFileHook
	regularFile *humanReadableFileHook
}

var _ tunableLogger = &hook{}

func (h *hook) setWriters(human, json io.Writer) {
	h.regularFile.setWriter(human)
	h.jsonFile.setWriter(json)
}

func (h *hook) setLevel(level logrus.Level) {
	h.console.setLevel(level)
	h.jsonFile.setLevel(level)
	h.regularFile.setLevel(level)
}

var (
	logConfigLock  sync.Mutex
	subsystemHooks = map[string]tunableLogger{}

	// writers shared by all subsystems, nil until SetLogDir is called
	humanWriter io.Writer
	jsonWriter  io.Writer
	rotators    []*rotator.Rotator

	// level applied to subsystems created after SetLogLevels
	defaultLevel = logrus.InfoLevel
)

// SetLogLevel sets the level of a single subsystem
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the level of all subsystems, including the ones
// that are yet to be created
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	defaultLevel = level
	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// AddSubLogger creates a new logger with a standard format
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard) // hooks do all the writing
	// let everything through to the hooks, they do the filtering
	logger.SetLevel(logrus.TraceLevel)

	jsonHook := &jsonFileHook{subsystem: subsystem}
	fileHook := &humanReadableFileHook{subsystem: subsystem}
	consoleHook := &consoleLogHook{subsystem: subsystem}
	logger.AddHook(jsonHook)
	logger.AddHook(fileHook)
	logger.AddHook(consoleHook)

	trio := &hook{
		console:     consoleHook,
		jsonFile:    jsonHook,
		regularFile: fileHook,
	}
	trio.setLevel(defaultLevel)
	trio.setWriters(humanWriter, jsonWriter)
	subsystemHooks[subsystem] = trio

	return logger
}

// newRotatingWriter returns a writer that feeds the given file through a
// size based log rotator
func newRotatingWriter(file string) (io.Writer, *rotator.Rotator, error) {
	r, err := rotator.New(file, rotateThresholdKB, false, maxLogRolls)
	if err != nil {
		return nil, nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		_ = r.Run(pr)
	}()
	return pw, r, nil
}

// SetLogDir makes all subsystems write to rotated log files in the given
// directory, one human readable and one JSON formatted
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	human, humanRotator, err := newRotatingWriter(filepath.Join(dir, logFileName))
	if err != nil {
		return fmt.Errorf("could not open log file: %w", err)
	}
	json, jsonRotator, err := newRotatingWriter(filepath.Join(dir, jsonLogFileName))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}

	for _, r := range rotators {
		_ = r.Close()
	}
	rotators = []*rotator.Rotator{humanRotator, jsonRotator}
	humanWriter, jsonWriter = human, json

	for _, hook := range subsystemHooks {
		hook.setWriters(human, json)
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare returns a middleware that logs incoming requests with
// Logrus. Bodies of requests to blacklisted paths are not logged.
func GinLoggingMiddleWare(logger *logrus.Logger, level logrus.Level, blacklist ...string) gin.HandlerFunc {
	blackListMap := make(map[string]struct{})
	for _, elem := range blacklist {
		blackListMap[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		var bodyBytes []byte
		if _, found := blackListMap[path]; !found && c.Request.Body != nil {
			bodyBytes, _ = ioutil.ReadAll(c.Request.Body)
			// restore the original buffer so it can be read later
			c.Request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		if query := c.Request.URL.Query(); len(query) > 0 {
			withFields = withFields.WithField("query", query)
		}
		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		c.Next()

		withFields = withFields.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})

		if private := c.Errors.ByType(gin.ErrorTypePrivate); len(private) > 0 {
			withFields = withFields.WithField("privateErrors", private)
		}
		if public := c.Errors.ByType(gin.ErrorTypePublic); len(public) > 0 {
			withFields = withFields.WithField("publicErrors", public)
		}
		if binding := c.Errors.ByType(gin.ErrorTypeBind); len(binding) > 0 {
			withFields = withFields.WithField("bindingErrors", binding)
		}

		requestLevel := level
		if c.Writer.Status() >= 500 {
			requestLevel = logrus.ErrorLevel
		} else if c.Writer.Status() >= 400 && requestLevel > logrus.WarnLevel {
			requestLevel = logrus.WarnLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, c.Writer.Status())
	}
}

type hasLevel struct {
	mu    sync.RWMutex
	level logrus.Level
}

// Levels satisfies logrus.Hook. Filtering happens in Fire, since the
// level can change after the hook has been added.
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

func (h *hasLevel) enabled(level logrus.Level) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return level <= h.level
}

type hasWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (h *hasWriter) setWriter(w io.Writer) {
	h.mu.Lock()
	h.writer = w
	h.mu.Unlock()
}

func (h *hasWriter) write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer == nil {
		return nil
	}
	_, err := h.writer.Write(p)
	return err
}

type consoleLogHook struct {
	hasLevel
	subsystem string
}

var _ logrus.Hook = &consoleLogHook{}
var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	ForceColors:     true,
	FullTimestamp:   true,
}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil || !c.enabled(entry.Level) {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(formatted)
	return err
}

type humanReadableFileHook struct {
	hasLevel
	hasWriter
	subsystem string
}

var _ logrus.Hook = &humanReadableFileHook{}
var fileHookFormat = logrus.TextFormatter{
	// formatted with colors and stripped afterwards, so file output lines
	// up with console output
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRegex = regexp.MustCompile(ansi)

func (h *humanReadableFileHook) Fire(entry *logrus.Entry) error {
	if entry == nil || !h.enabled(entry.Level) {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", h.subsystem, entry.Message)
	formatted, err := fileHookFormat.Format(&copied)
	if err != nil {
		return err
	}

	return h.write(ansiRegex.ReplaceAll(formatted, nil))
}

type jsonFileHook struct {
	hasLevel
	hasWriter
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}
var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j *jsonFileHook) Fire(entry *logrus.Entry) error {
	if entry == nil || !j.enabled(entry.Level) {
		return nil
	}

	// WithField doesn't carry over message and level, and we can't touch
	// the shared data map of the entry
	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	withSubsystem.Time = entry.Time
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	return j.write(formatted)
}
