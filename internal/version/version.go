package version

import "fmt"

const ServiceName = "llmeval"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent is sent on outbound provider and webhook requests.
func UserAgent() string {
	return ServiceName + "/" + Version
}
