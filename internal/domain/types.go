// Package domain holds the shared entity types for Behemoth: workers,
// plans, executions, commands and playback history. Every other package
// in the module operates on these types instead of defining its own.
package domain

import "time"

// Platform is a worker's base operating system family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformMac     Platform = "mac"
	PlatformWindows Platform = "windows"
)

// AccountRef identifies the credential used to reach a worker or an asset.
// Credential material itself is out of scope; this is a reference only.
type AccountRef struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Worker is a remote host that hosts the agent.
type Worker struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	TenantID string            `json:"tenant_id"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Account  AccountRef        `json:"account"`
	Labels   []string          `json:"labels,omitempty"`
	Platform Platform          `json:"platform"`
	Env      map[string]string `json:"env,omitempty"`
}

// Asset is a target database addressable through an Environment.
type Asset struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Address  string       `json:"address"`
	Port     int          `json:"port"`
	DBName   string       `json:"db_name,omitempty"`
	Labels   []string     `json:"labels,omitempty"`
	Accounts []AccountRef `json:"accounts"`
}

// Environment is a set of target assets a Plan may address.
type Environment struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Assets []Asset `json:"assets"`
}

// FindAssetBySuffix returns the first asset whose name ends with suffix.
func (e *Environment) FindAssetBySuffix(suffix string) (*Asset, bool) {
	for i := range e.Assets {
		a := &e.Assets[i]
		if len(a.Name) >= len(suffix) && a.Name[len(a.Name)-len(suffix):] == suffix {
			return a, true
		}
	}
	return nil, false
}

// FindAssetByID returns the asset with the given ID.
func (e *Environment) FindAssetByID(id string) (*Asset, bool) {
	for i := range e.Assets {
		if e.Assets[i].ID == id {
			return &e.Assets[i], true
		}
	}
	return nil, false
}

// FindAccountByUsername returns the first account on the asset with the
// given username.
func (a *Asset) FindAccountByUsername(username string) (*AccountRef, bool) {
	for i := range a.Accounts {
		if a.Accounts[i].Username == username {
			return &a.Accounts[i], true
		}
	}
	return nil, false
}

// PlanCategory distinguishes hand-authored deploy plans from
// playback-materialized sync plans.
type PlanCategory string

const (
	PlanCategoryDeploy PlanCategory = "deploy"
	PlanCategorySync   PlanCategory = "sync"
)

// PlanStrategy controls whether a batch stops on the first failed
// execution or continues through the remainder.
type PlanStrategy string

const (
	PlanStrategyFailedContinue PlanStrategy = "failed-continue"
	PlanStrategyFailedStop     PlanStrategy = "failed-stop"
)

// PlaybackStrategy controls whether a successful deploy execution is
// promoted into playback history automatically, manually, or never.
type PlaybackStrategy string

const (
	PlaybackStrategyAutoPromote   PlaybackStrategy = "auto-promote"
	PlaybackStrategyManualPromote PlaybackStrategy = "manual-promote"
	PlaybackStrategyNeverPromote  PlaybackStrategy = "never-promote"
)

// Plan is a unit of intent: an ordered set of Executions to run.
type Plan struct {
	ID               string
	Name             string
	TenantID         string
	Category         PlanCategory
	Strategy         PlanStrategy
	PlaybackStrategy PlaybackStrategy

	// Deploy-only fields; empty for sync plans, whose late binding sets
	// each execution's own AssetID/AccountID instead.
	AssetID   string
	AccountID string

	EnvironmentID string
	PlaybackID    string
	ReviewRequired bool
}

// ExecutionCategory distinguishes plain command executions, file uploads,
// and pause boundaries.
type ExecutionCategory string

const (
	ExecutionCategoryCommand ExecutionCategory = "cmd"
	ExecutionCategoryFile    ExecutionCategory = "file"
	ExecutionCategoryPause   ExecutionCategory = "pause"
)

// ExecutionStatus is the state-machine status of one Execution.
type ExecutionStatus string

const (
	ExecutionStatusNotStart ExecutionStatus = "not-start"
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusPause    ExecutionStatus = "pause"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusFailed   ExecutionStatus = "failed"
)

// Execution is one attempt to run one command sequence on one asset via
// one worker.
type Execution struct {
	ID       string
	PlanID   string
	TenantID string
	Name     string
	Category ExecutionCategory
	Status   ExecutionStatus
	Reason   string

	WorkerID  string // empty until dispatch claims a worker
	AssetID   string // resolved asset; may be empty for sync until binding
	AccountID string // resolved account username; may be empty until binding

	// Late-binding hints, only meaningful for sync-plan executions before
	// resolution.
	AssetNameSuffix  string
	AccountUsername  string

	TaskID  string // id of the background driver invocation
	Version string // version tag, copied verbatim on playback clone

	BearerToken string // token authorizing agent callbacks

	CmdType string // one of {mysql, oracle, script, local_script}; driver dialect hint
	Script  string // driver hint; for local_script the real dialect
	Envs    string // environment variables to inject, serialized

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommandStatus is the state of one Command within an Execution.
type CommandStatus string

const (
	CommandStatusNotStart CommandStatus = "not-start"
	CommandStatusSuccess  CommandStatus = "success"
	CommandStatusFailed   CommandStatus = "failed"
)

// Command is one logical step in an Execution.
type Command struct {
	ID          string
	ExecutionID string
	TenantID    string
	Index       int
	Input       string // command text, or a path to an uploaded file
	Output      string
	Pause       bool
	Status      CommandStatus
	Timestamp   int64 // seconds when the agent completed it
	Deleted     bool  // soft-delete flag
}

// Playback is an immutable recording of successful deploy executions
// eligible for later cloning into sync plans.
type Playback struct {
	ID             string
	Name           string
	TenantID       string
	MonthlyVersion string
}

// PlaybackExecution binds a Playback to one recorded Execution, capturing
// display strings at promotion time so sync materialization does not need
// to re-read the (possibly later-deleted) source asset/account.
type PlaybackExecution struct {
	ID              string
	PlaybackID      string
	ExecutionID     string
	PlanName        string
	AssetName       string
	AccountUsername string
	Version         string
}
