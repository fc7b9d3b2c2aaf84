// Package common holds identifiers shared by the FormSeal binaries.
package common

// PackageName identifies this service in logs and metrics.
const PackageName = "formseal"

// Version is overridden at build time via -ldflags.
var Version = "dev"
