// Package cliflags declares the CLI flags shared by every worker entry
// point, backed by github.com/spf13/pflag for its GNU-style long/short
// flag pairs (e.g. -p/--pre_open).
package cliflags

import (
	"github.com/spf13/pflag"
)

// Common is the flag set shared by every cmd/* entry point.
type Common struct {
	LogFile    string
	DBName     string
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
}

// RegisterCommon registers the shared flags on fs.
func RegisterCommon(fs *pflag.FlagSet) *Common {
	c := &Common{}
	fs.StringVar(&c.LogFile, "logFile", "", "log file path (not read by any worker; logs are written to stdout)")
	fs.StringVar(&c.DBName, "dbName", "", "tenant database name")
	fs.StringVar(&c.DBUser, "dbUser", "", "tenant database user")
	fs.StringVar(&c.DBPassword, "dbPassword", "", "tenant database password")
	fs.StringVar(&c.DBHost, "dbHost", "", "tenant database host (overrides DB_HOST)")
	fs.StringVar(&c.DBPort, "dbPort", "", "tenant database port (overrides DB_PORT)")
	return c
}

// Engine is the flag set for cmd/orchestrator's trigger-window defaults.
type Engine struct {
	PreOpenMinutes  int
	PreStartMinutes int
	EndAfterMinutes int
	ReminderMinutes int
}

// RegisterEngine registers the orchestration engine's trigger-window flags.
func RegisterEngine(fs *pflag.FlagSet) *Engine {
	e := &Engine{}
	fs.IntVarP(&e.PreOpenMinutes, "pre_open", "p", 90, "minutes before startDate the room opens")
	fs.IntVarP(&e.PreStartMinutes, "pre_start", "P", 0, "minutes before startDate the meeting is considered starting")
	fs.IntVarP(&e.EndAfterMinutes, "end_after", "a", 0, "minutes after startDate the meeting is closed (0 disables)")
	fs.IntVarP(&e.ReminderMinutes, "reminder_minutes", "r", 0, "minutes before start to send the reminder mail")
	return e
}

// Loader is the flag set for cmd/loader.
type Loader struct {
	ConfigFile     string
	ImportCSV      string
	DeleteMeetings bool
	KeepRedisCache string
}

// FirstNonEmpty returns the first non-empty string in values, used to let a
// CLI flag override an environment-sourced default.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RegisterLoader registers the config loader's flags.
func RegisterLoader(fs *pflag.FlagSet) *Loader {
	l := &Loader{}
	fs.StringVarP(&l.ConfigFile, "configFile", "c", "", "path to the YAML config document")
	fs.StringVarP(&l.ImportCSV, "importCSV", "i", "", "path to a semicolon-delimited roster CSV")
	fs.BoolVarP(&l.DeleteMeetings, "delete_meetings", "d", false, "delete meetings absent from the new config")
	fs.StringVarP(&l.KeepRedisCache, "keep_redis_cache", "k", "31536000", "TTL in seconds applied to written records")
	return l
}
