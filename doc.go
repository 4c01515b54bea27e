/*
Package squashfsmount mounts squashfs images for the lifetime of a single
command, visible to that command (and its children) only.

The squashfs-mount command is meant to be installed set-user-ID root. It
mounts a squashfs image file at a given mountpoint inside a new mount
namespace, drops the privileges back to the invoking user, and then replaces
itself with the command given on its command line:

	squashfs-mount <squashfs-file> <mountpoint> [--offset=4096] <command> [args...]

No other process on the host sees the mount, and the mount vanishes together
with the last process attached to the mount namespace. There is no entry in
any persistent mount table, and the invoking user never gets a root shell.

# Packages

  - [github.com/thediveo/squashfs-mount/invocation] resolves the command line
    and checks the mountpoint and image paths.
  - [github.com/thediveo/squashfs-mount/isolate] carries out the isolation
    sequence of unsharing the mount namespace, containing mount propagation,
    assuming root identity, locking, mounting, unlocking, dropping
    privileges, and finally setting “no new privileges”.
  - [github.com/thediveo/squashfs-mount/handoff] replaces the program with the
    requested command.

The isolation sequence builds on [github.com/thediveo/squashfs-mount/mntns],
[github.com/thediveo/squashfs-mount/privilege], and
[github.com/thediveo/squashfs-mount/mountctx].

# Mount Options

Images are always mounted loop-backed with “nosuid,nodev,ro”: the image is
never modified through the mount, and neither set-user-ID binaries nor device
nodes inside the image can be used to escalate privileges. The optional
“--offset=4096” flag mounts a squashfs filesystem that starts 4096 bytes into
the image file; no other offsets are supported.
*/
package squashfsmount
