/*
Package isolate mounts a squashfs image in a new mount namespace that only the
calling OS-level thread (and later the program it executes) is attached to,
and then drops privileges for good.

Importing this package locks the initial go routine to the initial OS-level
thread, as the mount namespace, the mount, and the “no new privileges”
attribute are all per-thread and need to stay with the thread that finally
executes the requested command.

# Usage

	id := privilege.Capture()
	req, err := isolate.NewRequest(image, mountpoint, false)
	if err != nil {
		return err
	}
	if err := isolate.New(id).Mount(req); err != nil {
		return err
	}
	// ...we're now the invoking user again, with no way back.

# Open File Descriptors

[Engine.Mount] closes the image file descriptor on every return path, not
relying on the process exiting soon after a failure. Closing a file
descriptor also releases any advisory lock on it.
*/
package isolate
