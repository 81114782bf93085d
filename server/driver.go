package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Feature bits advertised by a StorageBackend through Features().
const (
	// FeatureRestart indicates the backend supports resumed transfers
	// (REST followed by RETR). When advertised, FEAT lists "REST STREAM".
	FeatureRestart uint32 = 1 << iota
)

// UserDetail is the authenticated principal. The server treats it as
// opaque; it only needs to be displayable for logging.
type UserDetail interface {
	String() string
}

// Authenticator validates user credentials.
//
// Implementations vary from anonymous access to PAM or HTTP callout
// services. They must be safe for concurrent use; every session calls
// Authenticate on its own goroutine.
//
// Return ErrAuthFailed (possibly wrapped) for bad credentials; any other
// error is treated as an authenticator failure and also refuses the login.
type Authenticator interface {
	Authenticate(ctx context.Context, user, pass string) (UserDetail, error)
}

// ErrAuthFailed is returned by authenticators for invalid credentials.
var ErrAuthFailed = errors.New("authentication failed")

// StorageBackend is the interface file storage must implement.
//
// All paths are absolute within the logical namespace and use forward
// slashes. Implementations are shared across sessions and must be safe for
// concurrent calls; concurrency on the same path is the backend's
// responsibility.
//
// Operations report failures as *Error values so the server can map them
// to FTP reply codes; plain os errors (os.ErrNotExist, os.ErrPermission,
// os.ErrExist) are also recognized.
type StorageBackend interface {
	// Metadata returns file or directory metadata for path.
	Metadata(ctx context.Context, user UserDetail, path string) (os.FileInfo, error)

	// List returns the entries of the directory at path.
	List(ctx context.Context, user UserDetail, path string) ([]os.FileInfo, error)

	// Get opens the file at path for reading, positioned at startPos.
	Get(ctx context.Context, user UserDetail, path string, startPos int64) (io.ReadCloser, error)

	// Put stores the bytes read from r at path, replacing any existing
	// file, and returns the number of bytes written.
	Put(ctx context.Context, user UserDetail, path string, r io.Reader) (int64, error)

	// Append appends the bytes read from r to the file at path, creating
	// it if absent, and returns the number of bytes written.
	Append(ctx context.Context, user UserDetail, path string, r io.Reader) (int64, error)

	// Del removes the file at path.
	Del(ctx context.Context, user UserDetail, path string) error

	// Rmd removes the directory at path.
	Rmd(ctx context.Context, user UserDetail, path string) error

	// Mkd creates a directory at path.
	Mkd(ctx context.Context, user UserDetail, path string) error

	// Rename moves from to to.
	Rename(ctx context.Context, user UserDetail, from, to string) error

	// Cwd verifies that path exists and is a directory the user may
	// enter. The server tracks the working directory itself; backends
	// only validate.
	Cwd(ctx context.Context, user UserDetail, path string) error

	// Features returns the bitset of optional features the backend
	// supports.
	Features() uint32
}

// BackendFactory yields a fresh storage backend handle for each session.
// Backends that are cheap to share can return the same value on every call.
type BackendFactory func() StorageBackend

// ErrorKind classifies storage and protocol failures so the control loop
// can translate them into FTP reply codes.
type ErrorKind int

const (
	// KindNotFound: the path does not exist. Maps to 550.
	KindNotFound ErrorKind = iota
	// KindPermissionDenied: the backend refused the operation. Maps to 550.
	KindPermissionDenied
	// KindAlreadyExists: the target already exists. Maps to 550.
	KindAlreadyExists
	// KindTransient: a local, possibly temporary I/O failure. Maps to 451.
	KindTransient
	// KindDataConnection: the data connection could not be opened or was
	// lost. Maps to 425.
	KindDataConnection
	// KindInternal: a bug or unexpected condition. Maps to 421 and the
	// connection is closed.
	KindInternal
)

// Error is a classified storage error.
type Error struct {
	kind  ErrorKind
	cause error
}

// newError wraps cause with a kind. cause may be nil.
func newError(kind ErrorKind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string {
	msg := "storage error"
	switch e.kind {
	case KindNotFound:
		msg = "no such file or directory"
	case KindPermissionDenied:
		msg = "permission denied"
	case KindAlreadyExists:
		msg = "already exists"
	case KindTransient:
		msg = "local error in processing"
	case KindDataConnection:
		msg = "data connection failed"
	case KindInternal:
		msg = "internal error"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// classifyError folds an arbitrary error into an *Error, recognizing the
// os sentinel errors backends commonly return.
func classifyError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newError(KindNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return newError(KindPermissionDenied, err)
	case errors.Is(err, os.ErrExist):
		return newError(KindAlreadyExists, err)
	}
	return newError(KindTransient, err)
}

// errorReply maps a classified error to its FTP reply.
func errorReply(err error) Reply {
	se := classifyError(err)
	switch se.kind {
	case KindNotFound:
		return newReply(550, "File not found.")
	case KindPermissionDenied:
		return newReply(550, "Permission denied.")
	case KindAlreadyExists:
		return newReply(550, "File already exists.")
	case KindDataConnection:
		return newReply(425, "Can't open data connection.")
	case KindInternal:
		return newReply(421, "Internal server error.")
	default:
		return newReply(451, "Requested action aborted, local error in processing.")
	}
}
