package version

// Name is the service name reported to tracing backends.
const Name = "webapps-accounts"

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"
