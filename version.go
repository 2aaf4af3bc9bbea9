package blockprov

// Version is the blockprov version, set at build time with -ldflags.
var Version = "devel"
