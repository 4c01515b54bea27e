/*
Package invocation resolves the command line of squashfs-mount:

	squashfs-mount <squashfs-file> <mountpoint> [--offset=4096] <command> [args...]

Only the first three arguments are ever looked at for flags, so that the
flags of the command to execute are never misinterpreted as our own.
*/
package invocation
