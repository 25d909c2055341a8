package cycle

import (
	"fmt"
	"os"
	"os/user"

	"golang.org/x/term"

	"github.com/drblury/dequeueflow/internal/runtime/logging"
)

// UnknownPrincipal is reported when the current identity cannot be resolved.
const UnknownPrincipal = "unknown"

// FatalAccessDenied describes an access-denied failure that the process
// cannot recover from.
type FatalAccessDenied struct {
	Principal string
	Path      string
	Err       error
}

// FatalHandler terminates the process after a FatalAccessDenied. The hosting
// Service installs one that exits; tests install recorders.
type FatalHandler func(FatalAccessDenied)

// PrincipalFunc resolves the identity the process runs as.
type PrincipalFunc func() string

// InteractiveFunc reports whether a user is attached to the process.
type InteractiveFunc func() bool

// CurrentPrincipal returns the login name of the current OS user, or
// UnknownPrincipal.
func CurrentPrincipal() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return UnknownPrincipal
	}
	return u.Username
}

// StdinIsTerminal reports whether stdin is attached to a terminal.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// FailureEscalation turns an access-denied failure into a fatal log entry
// and, unless the process is interactive, calls the FatalHandler.
type FailureEscalation struct {
	Logger      logging.ServiceLogger
	Principal   PrincipalFunc
	Interactive InteractiveFunc
	OnFatal     FatalHandler
}

// NewFailureEscalation returns an escalation that resolves the OS user and
// detects interactivity from stdin. onFatal may be nil, in which case the
// failure is only logged.
func NewFailureEscalation(logger logging.ServiceLogger, onFatal FatalHandler) *FailureEscalation {
	return &FailureEscalation{
		Logger:      logger,
		Principal:   CurrentPrincipal,
		Interactive: StdinIsTerminal,
		OnFatal:     onFatal,
	}
}

// Escalate logs exactly one fatal entry for path and then either returns, when
// interactive, or hands over to OnFatal.
func (e *FailureEscalation) Escalate(path string, err error) {
	if e == nil {
		return
	}
	principal := UnknownPrincipal
	if e.Principal != nil {
		if p := e.Principal(); p != "" {
			principal = p
		}
	}

	if e.Logger != nil {
		e.Logger.Fatal(
			fmt.Sprintf("principal '%s' does not have permission to access queue '%s'", principal, path),
			err,
			logging.LogFields{"principal": principal, "queue": path},
		)
	}

	if e.Interactive != nil && e.Interactive() {
		return
	}
	if e.OnFatal != nil {
		e.OnFatal(FatalAccessDenied{Principal: principal, Path: path, Err: err})
	}
}
