package instance

import "os"

var idEnvVars = []string{"BILLING_INSTANCE_ID", "DYNO", "HOSTNAME"}

// GetID returns the process instance identifier used for schedule claims and
// cron lock tokens. It falls back to "local".
func GetID() string {
	for _, key := range idEnvVars {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
