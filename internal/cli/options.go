package cli

// Options are the command-line flags. Flags left empty fall back to the
// config file and SANDBOX_* environment variables.
type Options struct {
	ConfigFile string `short:"c" long:"config" description:"config file (yaml, json or toml)"`
	APIURL     string `short:"u" long:"api-url" description:"registration service url"`
	Token      string `short:"t" long:"token" env:"SANDBOX_TOKEN" description:"identity token; skips browser sign-in"`
	NoCache    bool   `long:"no-cache" description:"neither read nor write the cached identity token"`

	CountryCode string `long:"country-code" description:"phone country code, e.g. 1 or +44"`
	PhoneNumber string `long:"phone-number" description:"phone number to receive the verification code"`

	SessionID string `long:"session-id" description:"session identifier used in logs and history"`
	HistoryDB string `long:"history-db" description:"SQLite file recording session history"`
	History   string `long:"history" value-name:"SESSION_ID" description:"print the recorded history of a session and exit"`

	LogLevel  string `short:"l" long:"log-level" description:"debug, info, warn or error"`
	LogFormat string `long:"log-format" choice:"text" choice:"json" description:"log output format"`
}
