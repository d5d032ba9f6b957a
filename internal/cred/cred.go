// Package cred resolves user/group identities and decodes unix socket peer
// credentials, used by the container holder (owner/creator credentials, §3)
// and the request dispatcher (SO_PEERCRED, §4.7).
package cred

import (
	"fmt"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Cred identifies a uid/gid pair plus the originating pid, when known.
type Cred struct {
	Uid uint32
	Gid uint32
	Pid int
}

func (c Cred) String() string {
	return fmt.Sprintf("uid:%d gid:%d", c.Uid, c.Gid)
}

// IsRoot reports whether this credential is the superuser.
func (c Cred) IsRoot() bool { return c.Uid == 0 }

// Resolve looks up a uid/gid pair by user and group name, falling back to
// numeric parsing the way os/user does for containers not backed by NSS.
func Resolve(userName, groupName string) (uid, gid uint32, err error) {
	if userName == "" {
		return 0, 0, fmt.Errorf("cred: empty user name")
	}
	if u, err := user.Lookup(userName); err == nil {
		n, _ := strconv.Atoi(u.Uid)
		uid = uint32(n)
	} else if n, perr := strconv.Atoi(userName); perr == nil {
		uid = uint32(n)
	} else {
		return 0, 0, fmt.Errorf("cred: unknown user %q: %w", userName, err)
	}

	if groupName == "" {
		return uid, 0, nil
	}
	if g, err := user.LookupGroup(groupName); err == nil {
		n, _ := strconv.Atoi(g.Gid)
		gid = uint32(n)
	} else if n, perr := strconv.Atoi(groupName); perr == nil {
		gid = uint32(n)
	} else {
		return 0, 0, fmt.Errorf("cred: unknown group %q: %w", groupName, err)
	}
	return uid, gid, nil
}

// PeerCred reads SO_PEERCRED off a unix stream connection, the dispatcher's
// entry point for resolving caller credentials (§4.7).
func PeerCred(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("cred: syscall conn: %w", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Cred{}, fmt.Errorf("cred: control: %w", err)
	}
	if sockErr != nil {
		return Cred{}, fmt.Errorf("cred: getsockopt SO_PEERCRED: %w", sockErr)
	}
	return Cred{Uid: ucred.Uid, Gid: ucred.Gid, Pid: int(ucred.Pid)}, nil
}

// InGroups reports whether gid is a member of any of the given group names,
// used to decide SuperuserOnly property access (§3).
func InGroups(gid uint32, groups []string) bool {
	for _, name := range groups {
		g, err := user.LookupGroup(name)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(g.Gid)
		if err != nil {
			continue
		}
		if uint32(n) == gid {
			return true
		}
	}
	return false
}
