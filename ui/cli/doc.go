// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the legacyhsm command line. Commands open the
// simulated HSM through the pool plugin, lend readers through the reader or
// card resource service and write every allocation to the audit store.
package cli
