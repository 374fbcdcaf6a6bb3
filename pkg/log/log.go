package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	return logger.WithFields(logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	})
}

// SessionOp scopes a log entry to one managed session and operation.
func SessionOp(key string, op string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"session": key,
		"op":      op,
	})
}

// DispatchOp scopes a log entry to one dispatch batch.
func DispatchOp(key string, mode string, recipients int) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"session":    key,
		"mode":       mode,
		"recipients": recipients,
	})
}

// JobOp scopes a log entry to one queued job.
func JobOp(jobID string, key string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"job_id":  jobID,
		"session": key,
	})
}

// SysErr logs an internal subsystem error with a short tag.
func SysErr(tag string, err error) {
	logger.WithField("sys", tag).WithError(err).Error("subsystem error")
}

// Evt logs a short structured event line for a subsystem.
func Evt(sys string, action string, fields ...string) {
	entry := logger.WithField("sys", sys).WithField("action", action)
	for i := 0; i+1 < len(fields); i += 2 {
		entry = entry.WithField(fields[i], fields[i+1])
	}
	entry.Info("event")
}
