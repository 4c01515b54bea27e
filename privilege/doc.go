/*
Package privilege handles the narrow privilege window of a set-user-ID-root
program: temporarily assuming root identity, and then dropping privileges
permanently back to the invoking user.

The transition from elevated to dropped privileges is one-way: after
[Elevation.Drop] succeeded, [Privileges.Elevate] always fails. Dropping sets
the real, effective, and saved user IDs at once, so neither this process nor
its children can regain root identity.

[LockDown] then sets the “no new privileges” attribute so that programs
executed later cannot gain privileges either.
*/
package privilege
