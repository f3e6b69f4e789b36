package s3i

import (
	"log/slog"
	"strings"
)

// Thing is the identity this service uses at the broker.
type Thing struct {
	ID           string
	Secret       string
	MessageQueue string
	EventQueue   string
}

// WithDefaults fills in the conventional queue names when they are unset.
func (t Thing) WithDefaults(logger *slog.Logger) Thing {
	if t.MessageQueue == "" {
		t.MessageQueue = "s3ibs://" + t.ID
		logger.Warn("s3i: no message queue configured, using default", slog.String("queue", t.MessageQueue))
	}
	if t.EventQueue == "" {
		t.EventQueue = "s3ib://" + t.ID + "/event"
		logger.Warn("s3i: no event queue configured, using default", slog.String("queue", t.EventQueue))
	}
	return t
}

// Credentials returns the client credentials of the thing.
func (t Thing) Credentials() Credentials {
	return Credentials{ClientID: t.ID, ClientSecret: t.Secret}
}

// Endpoint returns the broker endpoint that delivers to thing id.
func Endpoint(id string) string {
	if strings.Contains(id, "://") {
		return id
	}
	return "s3ib://" + id
}
