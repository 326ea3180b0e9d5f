// Package driver implements the CSI Identity and Node services for the
// overlayfs ephemeral volume driver.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - panics, programmer errors
//   - V(1): Configuration, frequently repeating errors
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Published volume X", "Promoted volume Y into base Z"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Checking target path", "NodeGetVolumeStats called"
//   - V(5): Trace level - RPC entry, capability queries
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package driver
