// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package main

import (
	"sync"

	"github.com/arenamate/arenamate/internal/orchestrator"
	"github.com/arenamate/arenamate/internal/poller"
)

// orchestratorProxy breaks the construction cycle between the upload
// client, the poller, and the orchestrator. Until set is called, events
// and connectivity transitions are dropped; nothing produces them before
// the wiring completes.
type orchestratorProxy struct {
	mu sync.RWMutex
	o  *orchestrator.Orchestrator
}

func (p *orchestratorProxy) set(o *orchestrator.Orchestrator) {
	p.mu.Lock()
	p.o = o
	p.mu.Unlock()
}

func (p *orchestratorProxy) target() *orchestrator.Orchestrator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.o
}

func (p *orchestratorProxy) handleConnectivity(connected bool) {
	if o := p.target(); o != nil {
		o.HandleConnectivity(connected)
	}
}

var _ poller.Events = (*orchestratorProxy)(nil)

func (p *orchestratorProxy) JobProgress(jobID, matchKey, status string) {
	if o := p.target(); o != nil {
		o.JobProgress(jobID, matchKey, status)
	}
}

func (p *orchestratorProxy) JobCompleted(jobID, matchKey string, result poller.CompletedResult) {
	if o := p.target(); o != nil {
		o.JobCompleted(jobID, matchKey, result)
	}
}

func (p *orchestratorProxy) JobFailed(jobID, matchKey string, failure poller.Failure) {
	if o := p.target(); o != nil {
		o.JobFailed(jobID, matchKey, failure)
	}
}

func (p *orchestratorProxy) PollError(jobID string, err error) {
	if o := p.target(); o != nil {
		o.PollError(jobID, err)
	}
}

func (p *orchestratorProxy) PollTimeout(jobID string) {
	if o := p.target(); o != nil {
		o.PollTimeout(jobID)
	}
}

func (p *orchestratorProxy) AuthRequired(jobID string) {
	if o := p.target(); o != nil {
		o.AuthRequired(jobID)
	}
}
