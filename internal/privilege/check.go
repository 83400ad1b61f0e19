// Package privilege reports whether the daemon has the OS privileges it
// needs to own configfs, /dev/hidg*, and GPIO chip device nodes.
package privilege

import "os"

// IsRunningAsRoot returns true if the daemon is running with UID 0.
//
// The gadget service (configfs) and the GPIO-backed ATX controller fail to
// open their device nodes under a non-root UID on stock distro udev rules;
// callers use this at startup to log a clear warning instead of a confusing
// EACCES deep in gadget bind.
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}
