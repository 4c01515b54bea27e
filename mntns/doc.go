/*
Package mntns detaches the calling OS-level thread into a new mount namespace
and contains mount point propagation, so that mounts created afterwards stay
invisible to the rest of the system.

Go programs are multi-threaded, while mount namespaces are a per-thread (task)
attribute. Callers thus must lock their go routine to its OS-level thread
before calling [Unshare] and must never unlock it again: the thread is tainted
as unsharing a mount namespace also unshares the filesystem attributes of the
thread.
*/
package mntns
