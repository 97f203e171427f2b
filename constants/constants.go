// Package constants vends constants used in various components of the listings service, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "VERBOSE"
	EnvDotEnv  = "DOTENV_FILE"
	// stores
	EnvDataDir    = "DATA_DIR"
	EnvUploadsDir = "UPLOADS_DIR"
	// server
	EnvAppHost        = "HOST"
	EnvAppPort        = "PORT"
	EnvStaticDir      = "STATIC_DIR"
	EnvAdminKey       = "ADMIN_KEY"
	EnvSecretKey      = "SECRET_KEY"
	EnvMaxFiles       = "MAX_FILES"
	EnvMaxTotalMB     = "MAX_TOTAL_MB"
	EnvMaxFileMB      = "MAX_FILE_MB"
	EnvMaxListings    = "MAX_LISTINGS"
	EnvRateLimitRPS   = "RATE_LIMIT_RPS"
	EnvRateLimitBurst = "RATE_LIMIT_BURST"
	EnvRateLimitKeys  = "RATE_LIMIT_CLIENTS"
	EnvTrustProxy     = "TRUST_PROXY"

	// -------------- defaults --------------
	DefaultSecretKey = "dev-secret-change-me"
	SubmissionsFile  = "submissions.csv"
	PlaceholderThumb = "/static/logo.jpeg"

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName  = "funcName"
	LogFieldListingID = "listingID"
	LogFieldFilename  = "filename"
)
