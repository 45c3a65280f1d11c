// Package xerrors attaches call-site information to errors so the logger can
// render an error chain with file:line links.
//
// New/Newf and EnsureTrace capture a full stack; Wrap/Wrapf record only the
// wrapping call site. Both kinds unwrap normally for errors.Is/As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// traced is the single wrapper type used by this package. A wrapper created by
// Wrap carries msg and pc; one created by New or EnsureTrace carries pcs.
type traced struct {
	err error
	msg string
	pc  uintptr
	pcs []uintptr
}

func (t *traced) Error() string {
	if t.msg == "" {
		return t.err.Error()
	}
	return t.msg + ": " + t.err.Error()
}

func (t *traced) Unwrap() error { return t.err }

// PC is the wrapping call site, zero for stack-carrying errors.
func (t *traced) PC() uintptr { return t.pc }

// StackPCs is the captured stack, nil for Wrap-style errors.
func (t *traced) StackPCs() []uintptr { return t.pcs }

func (t *traced) IsXerrorsWrapper() {}

// stack captures the caller's stack; skip counts frames above the caller of stack.
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with the caller's stack attached.
func New(msg string) error {
	return &traced{err: errors.New(msg), pcs: stack(1)}
}

// Newf is New with formatting; %w is honoured.
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: stack(1)}
}

// Wrap annotates err with msg and the caller's position. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: msg, pc: caller(1)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: fmt.Sprintf(format, args...), pc: caller(1)}
}

// EnsureTrace attaches a stack unless something in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if hs, ok := e.(interface{ StackPCs() []uintptr }); ok && len(hs.StackPCs()) > 0 {
			return err
		}
	}
	return &traced{err: err, pcs: stack(1)}
}
