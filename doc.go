// Intercept compiled functions at runtime
//
// An Installer redirects calls to a function, identified by address or by a
// module's exported name, to a replacement. The function's original behavior
// stays reachable through a trampoline. Installs and uninstalls are
// idempotent and every active hook is tracked so the whole set can be torn
// down at once.
//
// The code patching itself is done by a Patcher. Detour is the default
// Patcher; it writes a JMP rel32 over the target's entry point.
//
// Limitations:
//   - Detour only supports amd64
//   - Other threads are not suspended while code is patched
//   - Replacements given as Go funcs must not be closures that capture
//     variables
//   - Silently fails to intercept inlined Go functions
package detour
