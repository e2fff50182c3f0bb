// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package procwatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// NameProbe returns a Probe that scans the process table for an executable
// whose name matches processName, compared case-insensitively since the
// client binary is cased differently across platforms.
func NameProbe(processName string) Probe {
	want := strings.ToLower(processName)
	return func(ctx context.Context) (bool, error) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return false, fmt.Errorf("list processes: %w", err)
		}
		for _, p := range procs {
			name, err := p.NameWithContext(ctx)
			if err != nil {
				// Processes exit between the listing and the name lookup;
				// skip rather than fail the whole sweep.
				continue
			}
			if strings.ToLower(name) == want {
				return true, nil
			}
		}
		return false, nil
	}
}
