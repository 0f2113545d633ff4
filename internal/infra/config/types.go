package config

import "strings"

// Environment identifies the runtime environment of the viewer daemon.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ReferenceSource selects the image-reference provider.
type ReferenceSource string

const (
	// SourceDICOMweb queries a QIDO-RS endpoint.
	SourceDICOMweb ReferenceSource = "dicomweb"
	// SourceMemory serves synthetic stacks from configuration.
	SourceMemory ReferenceSource = "memory"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
