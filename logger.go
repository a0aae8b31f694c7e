package dnsrelay

import (
	"github.com/sirupsen/logrus"
)

// Log is a package-global logger used throughout the library. Configuration can be
// changed directly on this instance or the instance replaced.
var Log = logrus.New()

func logger(id string, fields logrus.Fields) *logrus.Entry {
	l := Log.WithField("id", id)
	if len(fields) > 0 {
		l = l.WithFields(fields)
	}
	return l
}
