package detour

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"
)

// Hook redirects fn to replacement and returns a func with the behavior of
// the original fn. fn and replacement must be funcs with the same signature.
//
// Hooking fn again with the same replacement returns the same original.
//
// Note that if fn has been inlined this will silently fail. If possible, add a
// noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Hook[T any](inst *Installer, fn, replacement T) (T, error) {
	var zero T

	fnv := reflect.ValueOf(fn)
	newFnv := reflect.ValueOf(replacement)
	if err := checkFuncs(fnv, newFnv); err != nil {
		return zero, err
	}

	addr := fnv.Pointer()
	if err := inst.Install(&addr, newFnv.Pointer()); err != nil {
		return zero, err
	}
	return makeFunc[T](addr), nil
}

// Unhook removes the hook on fn, if there is one.
func Unhook[T any](inst *Installer, fn T) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return
	}
	inst.Uninstall(fnv.Pointer())
}

// Trampoline returns a func with the behavior of the original version of fn.
// If fn isn't hooked fn itself is returned.
func Trampoline[T any](inst *Installer, fn T) T {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return fn
	}

	rec, ok := inst.Find(fnv.Pointer())
	if !ok {
		return fn
	}
	return makeFunc[T](rec.Trampoline)
}

// makeFunc convinces Go that the machine code at code is a func of type T. A
// func value points to a word holding the code address, so build one of those.
func makeFunc[T any](code uintptr) T {
	fv := new(uintptr)
	*fv = code
	return *(*T)(unsafe.Pointer(&fv))
}

func checkFuncs(fn, newFn reflect.Value) error {
	for _, v := range []reflect.Value{fn, newFn} {
		if v.Kind() != reflect.Func {
			return fmt.Errorf("not a function, kind: %v", v.Kind())
		}
		if v.IsNil() {
			return errors.New("nil function")
		}
	}

	if diff := diffFuncs(fn.Type(), newFn.Type()); diff != nil {
		return fmt.Errorf("function signatures do not match: %w", diff)
	}
	return nil
}

// diffFuncs describes every argument and result that differs between the func
// types a and b. It returns nil if they match.
func diffFuncs(a, b reflect.Type) error {
	var errs []error
	if a.IsVariadic() != b.IsVariadic() {
		errs = append(errs, errors.New("variadic mismatch"))
	}
	errs = append(errs, diffTypes("argument", a.NumIn(), b.NumIn(), a.In, b.In)...)
	errs = append(errs, diffTypes("output", a.NumOut(), b.NumOut(), a.Out, b.Out)...)
	return errors.Join(errs...)
}

func diffTypes(what string, na, nb int, a, b func(int) reflect.Type) []error {
	var errs []error
	for i := 0; i < max(na, nb); i++ {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at != bt {
			errs = append(errs, fmt.Errorf("%s %d: %v != %v", what, i, at, bt))
		}
	}
	return errs
}
