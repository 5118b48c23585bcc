package detour

// Patcher redirects code in place. Changes are staged with Attach and Detach
// and applied together by Commit.
//
// Implementations must leave memory and all target pointers unchanged when
// Attach, Detach or Commit fail, and must close the transaction after Commit
// whether or not it succeeds.
type Patcher interface {
	// Begin opens a transaction.
	Begin() error

	// Attach stages redirecting the function *target points at to
	// replacement. After a successful Commit, *target holds the address of a
	// trampoline that runs the original function.
	Attach(target *uintptr, replacement uintptr) error

	// Detach stages removing the redirect whose trampoline and replacement
	// are given.
	Detach(trampoline, replacement uintptr) error

	// Commit applies every staged change.
	Commit() error

	// Abort discards every staged change and closes the transaction.
	Abort()
}
