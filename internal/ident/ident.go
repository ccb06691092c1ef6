// Package ident generates the process-unique correlation identifiers
// spec.md 3 requires ("every supervisor carries a process-unique
// identifier used only for log correlation"), generalizing the teacher's
// DefaultConsumerTag/DefaultAppID one-off uuid usage into a shared helper.
package ident

import uuid "github.com/satori/go.uuid"

// New returns a short, human-loggable identifier prefixed with kind, e.g.
// New("conn") -> "conn-3fa85f64".
func New(kind string) string {
	return kind + "-" + uuid.NewV4().String()[:8]
}
