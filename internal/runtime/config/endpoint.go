package config

import (
	"errors"

	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
)

// Endpoint describes one consumed queue. It is read-only to the dequeue cycle.
type Endpoint struct {
	// Name labels the endpoint in logs, metrics and the status API. Defaults to Path.
	Name string
	// Path is the backend address of the queue to receive from.
	Path string
	// Transactional makes every cycle run inside a backend transaction.
	Transactional bool
	// Journal forwards a copy of every received message to JournalPath.
	Journal bool
	// JournalPath is the queue that receives journal copies.
	JournalPath string
}

// DisplayName returns Name, or Path when no name is set.
func (e Endpoint) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Path
}

// URI renders the endpoint address for log output, for example "sqlite://orders".
func (e Endpoint) URI(scheme string) string {
	if scheme == "" {
		return e.Path
	}
	return scheme + "://" + e.Path
}

// Validate requires a Path, and a JournalPath when journaling is enabled.
func (e Endpoint) Validate() error {
	var errs []error
	if e.Path == "" {
		errs = append(errs, errspkg.ErrQueuePathRequired)
	}
	if e.Journal && e.JournalPath == "" {
		errs = append(errs, errspkg.ErrJournalPathRequired)
	}
	if e.Journal && e.JournalPath != "" && e.JournalPath == e.Path {
		errs = append(errs, errors.New("journal path must differ from the queue path"))
	}
	return errors.Join(errs...)
}
