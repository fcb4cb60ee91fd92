package cli

import "time"

// Flags holds all command-line flag values
type Flags struct {
	// Global flags
	CfgFile   string
	LogLevel  string
	LogFormat string

	// serve
	Addr string

	// create, import, enrich
	Owner     string
	BatchFile string
	Requester string
	Force     bool
	Wait      bool
	Timeout   time.Duration

	// enrich-card, choose
	Collection    string
	Override      bool
	AcceptDefault bool

	// reclaim
	Grace time.Duration

	// export
	OutputDir string
	NoArchive bool
}

// NewFlags creates a new Flags instance with default values
func NewFlags() *Flags {
	return &Flags{
		Owner:     "cli",
		Requester: "cli",
		Timeout:   30 * time.Minute,
		Grace:     time.Hour,
	}
}
