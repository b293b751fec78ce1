package bptree

import (
	"github.com/pkg/errors"
)

// Error kinds. Call sites test with errors.Is and wrap with pkg/errors so
// the cause chain keeps file paths and page ids.
var (
	ErrFileIO          = errors.New("file io error")
	ErrCorruptPage     = errors.New("corrupt page")
	ErrBadConfig       = errors.New("bad config")
	ErrNotFound        = errors.New("not found")
	ErrOutOfRange      = errors.New("out of range")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCacheIO         = errors.New("cache io error")
)

func fileIOErr(err error, msg string) error {
	return errors.Wrapf(ErrFileIO, "%s: %v", msg, err)
}

func corruptPageErr(pid uint32, msg string) error {
	return errors.Wrapf(ErrCorruptPage, "page %d: %s", pid, msg)
}

func badConfigErr(msg string) error {
	return errors.WithMessage(ErrBadConfig, msg)
}

func invalidArgErr(msg string) error {
	return errors.WithMessage(ErrInvalidArgument, msg)
}
