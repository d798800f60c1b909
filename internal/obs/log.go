package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
				logrus.FieldKeyMsg:  "msg",
			},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// Configure sets the level and stamps every entry with service, version and host.
// An unknown level keeps the current one and is reported.
func Configure(level, service, version string) {
	l := Logger()
	if level = strings.TrimSpace(level); level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			l.WithField("level", level).Warn("unknown log level, keeping current")
		} else {
			l.SetLevel(parsed)
		}
	}
	instance, _ := os.Hostname()
	l.ReplaceHooks(make(logrus.LevelHooks))
	l.AddHook(serviceFieldsHook{service: service, version: version, instance: instance})
}

// SetOutput redirects the shared logger (tests capture output this way).
func SetOutput(w io.Writer) {
	Logger().SetOutput(w)
}

// LogRequest emits one access-log line with common HTTP fields.
func LogRequest(fields logrus.Fields) {
	Logger().WithFields(fields).Info("request_complete")
}

type serviceFieldsHook struct {
	service  string
	version  string
	instance string
}

func (h serviceFieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceFieldsHook) Fire(e *logrus.Entry) error {
	if h.service != "" {
		e.Data["service"] = h.service
	}
	if h.version != "" {
		e.Data["version"] = h.version
	}
	if h.instance != "" {
		e.Data["instance"] = h.instance
	}
	return nil
}
