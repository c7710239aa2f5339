// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package usergroup implements the user, user_mod, and group feature
// kinds, layered on top of lib/usergroup's textual-record parsing and
// id-allocation policy.
package usergroup

import (
	"encoding/json"
	"fmt"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	udb "github.com/antlir2/antlir2/lib/usergroup"
)

const (
	KindUser    = "user"
	KindUserMod = "user_mod"
	KindGroup   = "group"
)

func init() {
	features.Register(KindUser, decodeUser)
	features.Register(KindUserMod, decodeUserMod)
	features.Register(KindGroup, decodeGroup)
}

// User is the user feature kind's feature JSON: creates a new account.
type User struct {
	Name                 string   `json:"name"`
	UID                  *uint32  `json:"uid,omitempty"`
	PrimaryGroup         string   `json:"primary_group"`
	SupplementaryGroups  []string `json:"supplementary_groups,omitempty"`
	Comment              string   `json:"comment,omitempty"`
	HomeDir              string   `json:"home_dir"`
	Shell                string   `json:"shell"`
}

func decodeUser(payload json.RawMessage) (features.Compiler, error) {
	var f User
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *User) Kind() string { return KindUser }

func (f *User) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet(depgraph.UserItem(f.Name))
}

func (f *User) Requires() []depgraph.Requirement {
	reqs := []depgraph.Requirement{depgraph.RequireGroup(f.PrimaryGroup)}
	for _, g := range f.SupplementaryGroups {
		reqs = append(reqs, depgraph.RequireGroup(g))
	}
	return reqs
}

func (f *User) Compile(ctx *compilerctx.CompilerContext) error {
	userDB, err := ctx.UserDB()
	if err != nil {
		return fmt.Errorf("user: reading /etc/passwd: %w", err)
	}
	gid, err := ctx.GID(f.PrimaryGroup)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}

	uid := uint32(0)
	if f.UID != nil {
		uid = *f.UID
	} else {
		uid, err = userDB.NextUID()
		if err != nil {
			return fmt.Errorf("user: allocating uid for %s: %w", f.Name, err)
		}
	}

	rec := udb.UserRecord{
		Name:           f.Name,
		PasswordMarker: "x",
		UID:            uid,
		GID:            gid,
		GECOS:          f.Comment,
		HomeDir:        f.HomeDir,
		Shell:          f.Shell,
	}
	userDB.Add(rec)

	shadowDB, err := ctx.ShadowDB()
	if err != nil {
		return fmt.Errorf("user: reading /etc/shadow: %w", err)
	}
	shadowDB.Add(udb.NewLockedShadowRecord(f.Name))

	groupDB, err := ctx.GroupDB()
	if err != nil {
		return fmt.Errorf("user: reading /etc/group: %w", err)
	}
	groups := append([]string{f.PrimaryGroup}, f.SupplementaryGroups...)
	for _, g := range groups {
		if _, ok := groupDB.ByName(g); !ok {
			return fmt.Errorf("user: no such group %q", g)
		}
		groupDB.AddMember(g, f.Name)
	}

	if err := ctx.WriteUserDB(userDB); err != nil {
		return fmt.Errorf("user: writing /etc/passwd: %w", err)
	}
	if err := ctx.WriteShadowDB(shadowDB); err != nil {
		return fmt.Errorf("user: writing /etc/shadow: %w", err)
	}
	if err := ctx.WriteGroupDB(groupDB); err != nil {
		return fmt.Errorf("user: writing /etc/group: %w", err)
	}
	return nil
}

// UserMod is the user_mod feature kind's feature JSON: adds an
// existing user to additional supplementary groups.
type UserMod struct {
	Username            string   `json:"username"`
	AddSupplementaryGroups []string `json:"add_supplementary_groups"`
}

func decodeUserMod(payload json.RawMessage) (features.Compiler, error) {
	var f UserMod
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *UserMod) Kind() string { return KindUserMod }

func (f *UserMod) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet[depgraph.Item]()
}

func (f *UserMod) Requires() []depgraph.Requirement {
	reqs := []depgraph.Requirement{depgraph.RequireUser(f.Username)}
	for _, g := range f.AddSupplementaryGroups {
		reqs = append(reqs, depgraph.RequireGroup(g))
	}
	return reqs
}

func (f *UserMod) Compile(ctx *compilerctx.CompilerContext) error {
	groupDB, err := ctx.GroupDB()
	if err != nil {
		return fmt.Errorf("user_mod: reading /etc/group: %w", err)
	}
	for _, g := range f.AddSupplementaryGroups {
		if _, ok := groupDB.ByName(g); !ok {
			return fmt.Errorf("user_mod: no such group %q", g)
		}
		groupDB.AddMember(g, f.Username)
	}
	if err := ctx.WriteGroupDB(groupDB); err != nil {
		return fmt.Errorf("user_mod: writing /etc/group: %w", err)
	}
	return nil
}

// Group is the group feature kind's feature JSON: creates a new group.
type Group struct {
	Name string  `json:"name"`
	GID  *uint32 `json:"gid,omitempty"`
}

func decodeGroup(payload json.RawMessage) (features.Compiler, error) {
	var f Group
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Group) Kind() string { return KindGroup }

func (f *Group) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet(depgraph.GroupItem(f.Name))
}

func (f *Group) Requires() []depgraph.Requirement { return nil }

func (f *Group) Compile(ctx *compilerctx.CompilerContext) error {
	groupDB, err := ctx.GroupDB()
	if err != nil {
		return fmt.Errorf("group: reading /etc/group: %w", err)
	}

	gid := uint32(0)
	if f.GID != nil {
		gid = *f.GID
	} else {
		gid, err = groupDB.NextGID()
		if err != nil {
			return fmt.Errorf("group: allocating gid for %s: %w", f.Name, err)
		}
	}

	groupDB.Add(udb.GroupRecord{Name: f.Name, PasswordMarker: "x", GID: gid})
	if err := ctx.WriteGroupDB(groupDB); err != nil {
		return fmt.Errorf("group: writing /etc/group: %w", err)
	}
	return nil
}
