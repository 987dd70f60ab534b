package platform

import (
	"os/user"
	"strconv"
)

// Name lookups hit NSS which can be slow; results are memoized for the
// life of the process. Ingest and restore are single-threaded, so the
// maps are unguarded.
var (
	uidNames  = map[uint32]string{}
	gidNames  = map[uint32]string{}
	userUIDs  = map[string]*uint32{}
	groupGIDs = map[string]*uint32{}
)

// UserName resolves a uid to a user name; empty when unknown.
func UserName(uid uint32) string {
	if name, ok := uidNames[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	uidNames[uid] = name
	return name
}

// GroupName resolves a gid to a group name; empty when unknown.
func GroupName(gid uint32) string {
	if name, ok := gidNames[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	gidNames[gid] = name
	return name
}

// LookupUID resolves a user name to a uid; nil when unknown.
func LookupUID(name string) *uint32 {
	if name == "" {
		return nil
	}
	if uid, ok := userUIDs[name]; ok {
		return uid
	}
	var uid *uint32
	if u, err := user.Lookup(name); err == nil {
		if v, err := strconv.ParseUint(u.Uid, 10, 32); err == nil {
			n := uint32(v)
			uid = &n
		}
	}
	userUIDs[name] = uid
	return uid
}

// LookupGID resolves a group name to a gid; nil when unknown.
func LookupGID(name string) *uint32 {
	if name == "" {
		return nil
	}
	if gid, ok := groupGIDs[name]; ok {
		return gid
	}
	var gid *uint32
	if g, err := user.LookupGroup(name); err == nil {
		if v, err := strconv.ParseUint(g.Gid, 10, 32); err == nil {
			n := uint32(v)
			gid = &n
		}
	}
	groupGIDs[name] = gid
	return gid
}
