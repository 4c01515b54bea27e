/*
Package mountctx provides a mount context for mounting squashfs images
loop-backed and read-only, modelled after the util-linux libmount contexts:
create a [Context], set the filesystem type, options, source, and target, then
[Context.Mount].

The context never records mounts in any mount table file; the kernel's
per-namespace mount table is the only record. [Context.DisableMtab] thus is a
no-op.

With the “loop” option, the source file gets attached read-only to a free
loop device which is set to autoclear. The context keeps the loop device open
until the mount holds it, so the kernel clears the loop device only after the
mount is gone. When given an open source file descriptor using
[Context.SetSourceFd], the loop device gets attached to that open file
instead of the source path.

Only a fixed option vocabulary is understood: “loop”, “nosuid”, “nodev”,
“ro”, and “offset=4096”. Anything else is rejected instead of being passed on
to the kernel.

When a mount fails, [Error] translates the failure into a human-readable
description in the spirit of mount(8).
*/
package mountctx
