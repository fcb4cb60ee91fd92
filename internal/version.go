package internal

// Version is the hanzirecall release, overridden at link time by the
// mage build target.
var Version = "0.3.0"
