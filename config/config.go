package config

// injected configurations
var (
	APP_NAME    string = "brewery-couch"
	APP_VERSION string = "0.0.1"
)

// value changed by paramaters from config
var (
	COUCH_DATADIR    string = "data"
	COUCH_DBNAME     string = "brewery"
	COUCH_SYNCWRITES bool   = false
	COUCH_CACHESIZE  int64  = 64 << 20
)
