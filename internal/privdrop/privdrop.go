// Package privdrop chroots and drops root privileges for the core daemon
// after its sockets are open (spec §6, §9's -C/-u flags), grounded on the
// teacher's own setUser/setGroup helpers for user.Lookup-based privilege
// drop.
package privdrop

import (
	"os/user"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
)

// Drop chroots into dir (if non-empty) and then switches to userName's uid
// and primary gid (if non-empty). Order matters: chroot must happen while
// still root, and before the uid switch or the chroot call itself would
// fail.
func Drop(dir, userName string) error {
	if dir != "" {
		if err := syscall.Chroot(dir); err != nil {
			return errors.Annotate(err, "privdrop: chroot %q: %w", dir)
		}
		if err := syscall.Chdir("/"); err != nil {
			return errors.Annotate(err, "privdrop: chdir after chroot: %w")
		}
	}
	if userName == "" {
		return nil
	}
	return setUser(userName)
}

func setUser(userName string) error {
	u, err := user.Lookup(userName)
	if err != nil {
		return errors.Annotate(err, "privdrop: looking up user %q: %w", userName)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return errors.Annotate(err, "privdrop: parsing gid: %w")
	}
	if err := syscall.Setgid(gid); err != nil {
		return errors.Annotate(err, "privdrop: setting gid: %w")
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return errors.Annotate(err, "privdrop: parsing uid: %w")
	}
	if err := syscall.Setuid(uid); err != nil {
		return errors.Annotate(err, "privdrop: setting uid: %w")
	}
	return nil
}
