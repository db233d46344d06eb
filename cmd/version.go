package cmd

// Version is the application version.
// Intended to be set at build time using ldflags, e.g.
// go build -ldflags "-X github.com/xkilldash9x/taskdroid/cmd.Version=1.0.0"
var Version = "0.9"
