package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/FimGroup/logging"
	"github.com/sirupsen/logrus"
)

const componentField = "component"

// Root is the process logger. Components log through entries derived from it.
var Root = logrus.New()

func init() {
	Root.SetOutput(os.Stderr)
	Root.SetLevel(logrus.InfoLevel)
	Root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Setup applies the configured level. Debug forces DebugLevel regardless of level.
func Setup(level string, debug bool, out io.Writer) error {
	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return err
		}
		lvl = parsed
	}
	if debug {
		lvl = logrus.DebugLevel
	}
	Root.SetLevel(lvl)
	if out != nil {
		Root.SetOutput(out)
	}
	return nil
}

func Component(name string) *logrus.Entry {
	return Root.WithField(componentField, name)
}

// Manager writes the rotated log files. It is nil until EnableFileOutput is called.
var Manager logging.LoggerManager

// EnableFileOutput copies every entry of Root into daily files named
// <folder>/replicator.YYYY-MM-DD.log, keeping maxDays days.
func EnableFileOutput(folder string, maxDays int) error {
	manager, err := logging.NewLoggerManager(filepath.Join(folder, "replicator"), maxDays, 50*1024*1024, 10, logrus.TraceLevel, false, false)
	if err != nil {
		return err
	}
	Manager = manager
	Root.AddHook(&fileHook{
		manager: manager,
		loggers: make(map[string]logging.Logger),
	})
	return nil
}

// fileHook forwards entries to one file logger per component.
type fileHook struct {
	manager logging.LoggerManager

	sync.Mutex
	loggers map[string]logging.Logger
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	name, _ := entry.Data[componentField].(string)
	logger := h.logger(name)
	msg := formatEntry(entry)
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		logger.Error(msg)
	case logrus.WarnLevel:
		logger.Warn(msg)
	case logrus.InfoLevel:
		logger.Info(msg)
	case logrus.DebugLevel:
		logger.Debug(msg)
	default:
		logger.Trace(msg)
	}
	return nil
}

func (h *fileHook) logger(name string) logging.Logger {
	h.Lock()
	defer h.Unlock()

	l, ok := h.loggers[name]
	if !ok {
		l = h.manager.GetLogger(name)
		h.loggers[name] = l
	}
	return l
}

// formatEntry appends the fields other than the component to the message.
func formatEntry(entry *logrus.Entry) string {
	var keys []string
	for k := range entry.Data {
		if k != componentField {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return entry.Message
	}
	slices.Sort(keys)
	sb := new(strings.Builder)
	sb.WriteString(entry.Message)
	for _, k := range keys {
		_, _ = fmt.Fprintf(sb, " %s=%v", k, entry.Data[k])
	}
	return sb.String()
}
