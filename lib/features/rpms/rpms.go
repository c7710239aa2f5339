// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rpms implements the rpms feature kind: a planning-and-execution
// feature that delegates all dependency resolution and package installation
// to an external DNF driver subprocess, speaking a newline-delimited JSON
// request/event protocol over the driver's stdin/stdout.
package rpms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
)

const Kind = "rpms"

// planID is the CompilerContext plan-fragment id this feature's plan
// phase publishes under and its compile phase looks up.
const planID = "rpms"

func init() {
	features.Register(Kind, decode)
}

// driverPathEnvVar lets the ambient build driver tell this feature
// where the DNF driver binary lives, rather than hardcoding a path:
// the driver is injected configuration, not a compile-time constant.
const driverPathEnvVar = "ANTLIR2_DNF_DRIVER"

func driverPath() string {
	if p := os.Getenv(driverPathEnvVar); p != "" {
		return p
	}
	return "/__antlir2__/dnf/driver"
}

// Reason explains why an rpm is part of the resolved transaction.
type Reason string

const (
	ReasonUser       Reason = "user"
	ReasonDependency Reason = "dependency"
)

// Action is what a requested rpm item asks the transaction to do.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
)

// Item is one entry of the feature's requested rpm set, as written by
// the user (not to be confused with depgraph.Item).
type Item struct {
	Name      string `json:"name"`
	Action    Action `json:"action"`
	MustExist bool   `json:"must_exist,omitempty"`
}

// Feature is the rpms feature kind's feature JSON.
type Feature struct {
	Items                   []Item   `json:"items"`
	VersionLock             string   `json:"versionlock,omitempty"`
	ExcludedRpms            []string `json:"excluded_rpms,omitempty"`
	IgnorePostinScriptError bool     `json:"ignore_postin_script_error,omitempty"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

// Provides lists one rpm Item per requested install. The rpms the
// transaction pulls in as dependencies, and the paths/users/groups any
// rpm brings with it, are only known once Plan has resolved the
// transaction, and are not provided.
func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	for _, item := range f.Items {
		if item.Action == ActionInstall {
			set.Insert(depgraph.RpmItem(item.Name))
		}
	}
	return set
}

func (f *Feature) Requires() []depgraph.Requirement {
	var reqs []depgraph.Requirement
	for _, item := range f.Items {
		if item.Action == ActionRemove && item.MustExist {
			reqs = append(reqs, depgraph.Requirement{
				Key:     depgraph.ItemKey{Kind: depgraph.ItemRpm, Name: item.Name},
				Ordered: false,
			})
		}
	}
	return reqs
}

// resolvedTransaction is the plan fragment this feature persists in
// its plan phase and consumes in its compile phase: spec.md's
// `{install: [{nevra, repo, reason}], remove: [nevra]}`.
type resolvedTransaction struct {
	Install []InstallPackage `json:"install"`
	Remove  []string         `json:"remove"`
}

// InstallPackage is one rpm the driver resolved to install.
type InstallPackage struct {
	NEVRA  string `json:"nevra"`
	Repo   string `json:"repo"`
	Reason Reason `json:"reason"`
}

// driverRequest is the single newline-delimited JSON object this
// feature writes to the driver's stdin.
type driverRequest struct {
	Mode                    string               `json:"mode"`
	InstallRoot             string               `json:"install_root"`
	Items                   []Item               `json:"items"`
	Arch                    string               `json:"arch"`
	VersionLock             string               `json:"versionlock,omitempty"`
	ExcludedRpms            []string             `json:"excluded_rpms,omitempty"`
	ResolvedTransaction     *resolvedTransaction `json:"resolved_transaction,omitempty"`
	IgnorePostinScriptError bool                 `json:"ignore_postin_script_error,omitempty"`
}

// driverEvent is one newline-delimited JSON object the driver writes
// to its stdout; exactly one of the fields is non-nil/non-zero,
// matching the tagged-union shape `serde(tag = "type")` would produce.
type driverEvent struct {
	Type                string               `json:"type"`
	TransactionResolved *resolvedTransaction `json:"transaction_resolved,omitempty"`
	TxItem              string               `json:"tx_item,omitempty"`
	TxError             string               `json:"tx_error,omitempty"`
	TxWarning           string               `json:"tx_warning,omitempty"`
	GpgError            string               `json:"gpg_error,omitempty"`
	ScriptletOutput     string               `json:"scriptlet_output,omitempty"`
}

// driverErr is returned when the driver reports a TxError or produces
// an event stream this module can't parse; a non-zero exit without
// either is returned as the wrapped exec error instead.
type driverErr struct {
	msg string
}

func (e *driverErr) Error() string { return "rpms: " + e.msg }

// runDriver spawns the DNF driver, writes req as a single line of
// JSON to its stdin, and decodes every newline-delimited JSON event
// off its stdout, invoking onEvent for each.
func runDriver(ctx context.Context, req driverRequest, onEvent func(driverEvent) error) error {
	cmd := exec.CommandContext(ctx, driverPath())
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("rpms: opening driver stdin: %w", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("rpms: starting driver %s: %w", driverPath(), err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		stdin.Close()
		return fmt.Errorf("rpms: encoding driver request: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		stdin.Close()
		return fmt.Errorf("rpms: writing driver request: %w", err)
	}
	stdin.Close()

	runErr := cmd.Wait()

	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var txErrors []string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev driverEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return &driverErr{msg: fmt.Sprintf("unparseable event %q: %v", line, err)}
		}
		if ev.TxError != "" {
			txErrors = append(txErrors, ev.TxError)
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpms: reading driver stdout: %w", err)
	}
	if len(txErrors) > 0 {
		return &driverErr{msg: fmt.Sprintf("transaction errors: %v", txErrors)}
	}
	if runErr != nil {
		return fmt.Errorf("rpms: driver %s: %w", driverPath(), runErr)
	}
	return nil
}

// Plan invokes the driver in resolve mode, expecting exactly one
// TransactionResolved event, and returns it as the plan fragment to
// be persisted under planID.
func (f *Feature) Plan(ctx *compilerctx.CompilerContext) (id string, payload json.RawMessage, err error) {
	req := driverRequest{
		Mode:                    "resolve",
		InstallRoot:             ctx.Root(),
		Items:                   f.Items,
		Arch:                    string(ctx.Arch()),
		VersionLock:             f.VersionLock,
		ExcludedRpms:            f.ExcludedRpms,
		IgnorePostinScriptError: f.IgnorePostinScriptError,
	}

	var resolved *resolvedTransaction
	err = runDriver(context.Background(), req, func(ev driverEvent) error {
		if ev.TransactionResolved != nil {
			if resolved != nil {
				return &driverErr{msg: "driver reported transaction_resolved more than once"}
			}
			resolved = ev.TransactionResolved
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if resolved == nil {
		return "", nil, &driverErr{msg: "driver did not resolve a transaction"}
	}

	payload, err = json.Marshal(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("rpms: encoding resolved transaction: %w", err)
	}
	return planID, payload, nil
}

// Compile invokes the driver in run mode, feeding back the
// transaction this feature's Plan phase already resolved; any TxError
// event aborts the build.
func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	var resolved resolvedTransaction
	if err := ctx.UnmarshalPlan(planID, &resolved); err != nil {
		return fmt.Errorf("rpms: %w", err)
	}

	req := driverRequest{
		Mode:                    "run",
		InstallRoot:             ctx.Root(),
		Items:                   f.Items,
		Arch:                    string(ctx.Arch()),
		VersionLock:             f.VersionLock,
		ExcludedRpms:            f.ExcludedRpms,
		ResolvedTransaction:     &resolved,
		IgnorePostinScriptError: f.IgnorePostinScriptError,
	}
	return runDriver(context.Background(), req, nil)
}
