package types

// Version is the canonical project version.
// The server, CLI and worker contract share this version.
const Version = "0.3.0"

// ContractVersion is the worker stream contract version.
// Bumped in lockstep with Version.
const ContractVersion = Version
