// Package provider hands out email Transports by configuration alias and
// ties their lifetime to a unit of work, e.g., one inbound request. A Scope
// is created when the work starts and released when it ends, which releases
// every Transport opened through it exactly once.
package provider
