package common

var (
	// PackageName is used as the metrics namespace and default log service tag.
	PackageName = "enrollment-gateway"

	// Version is overridden at build time with -ldflags "-X ...common.Version=..."
	Version = "dev"
)
