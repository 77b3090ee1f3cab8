// Package xerrors classifies gateway errors by kind so that every front end
// maps the same failure to the same response.
package xerrors

import (
	"errors"
	iofs "io/fs"
	"net/http"

	pkgfs "github.com/jacktea/blockgw/pkg/fs"
)

// Kind classifies blockgw errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermission
	KindNotDir
	KindNotEmpty
	KindRemoteIO
	KindBusy
	KindNotSupported
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermission:
		return "permission denied"
	case KindNotDir:
		return "not a directory"
	case KindNotEmpty:
		return "directory not empty"
	case KindRemoteIO:
		return "remote i/o error"
	case KindBusy:
		return "busy"
	case KindNotSupported:
		return "not supported"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// sentinels maps well-known causes to kinds, checked in order.
var sentinels = []struct {
	target error
	kind   Kind
}{
	{pkgfs.ErrNotFound, KindNotFound},
	{iofs.ErrNotExist, KindNotFound},
	{pkgfs.ErrAlreadyExist, KindAlreadyExists},
	{iofs.ErrExist, KindAlreadyExists},
	{pkgfs.ErrNotDir, KindNotDir},
	{pkgfs.ErrNotEmpty, KindNotEmpty},
	{pkgfs.ErrRemote, KindRemoteIO},
	{pkgfs.ErrBusy, KindBusy},
	{pkgfs.ErrNotSupported, KindNotSupported},
	{iofs.ErrPermission, KindPermission},
	{iofs.ErrInvalid, KindInvalid},
}

// KindOf reports the Kind carried by err. Errors without an *Error in their
// chain are classified by their sentinel cause, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, s := range sentinels {
		if errors.Is(err, s.target) {
			return s.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code returned by the HTTP front ends.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotEmpty:
		return http.StatusUnprocessableEntity
	case KindBusy:
		return http.StatusGatewayTimeout
	case KindRemoteIO:
		return http.StatusBadGateway
	case KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
