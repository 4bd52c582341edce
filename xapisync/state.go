// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapisync

// State is the sync service's lifecycle state.
type State string

// Service states. Stopped is terminal and only reachable via Stop.
const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateBackoff State = "backoff"
	StateOffline State = "offline"
	StateStopped State = "stopped"
)

// Status is the observable surface exposed to UI collaborators: the current
// state plus how many statements are waiting or in flight.
type Status struct {
	State      State `json:"state"`
	QueueDepth int   `json:"queue_depth"`
}
