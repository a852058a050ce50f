// Package logging threads a single logrus logger through the reactor,
// connection, and server layers. Components accept a logrus.FieldLogger
// via constructor injection and fall back to the package default when
// nil, the same "accept a collaborator, default if absent" shape the
// teacher uses for its control adapter.
package logging

import "github.com/sirupsen/logrus"

var std = logrus.StandardLogger()

// Default returns the package-wide fallback logger.
func Default() logrus.FieldLogger { return std }

// Or returns l if non-nil, else Default().
func Or(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return std
	}
	return l
}

// SetDefault replaces the package fallback, e.g. to attach a JSON
// formatter or a different output sink at process start.
func SetDefault(l *logrus.Logger) {
	if l != nil {
		std = l
	}
}
