package config

import (
	"fmt"
	"net"
)

// Validate checks the loaded App for obviously broken configuration. It
// never mutates App; callers decide whether errors are fatal.
func (app *App) Validate() []error {
	var errs []error

	if app.ServerPort == "" {
		errs = append(errs, fmt.Errorf("server_port must be set"))
	} else if !isValidListenAddr(app.ServerPort) {
		errs = append(errs, fmt.Errorf("invalid server_port %q: expected host:port or :port", app.ServerPort))
	}

	if app.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be > 0, got %d", app.PoolSize))
	}
	if app.LowWaterFraction <= 0 || app.LowWaterFraction >= 1 {
		errs = append(errs, fmt.Errorf("low_water_fraction must be in (0,1), got %v", app.LowWaterFraction))
	}

	if len(app.Sources) == 0 {
		errs = append(errs, fmt.Errorf("at least one source must be configured in 'sources'"))
	}
	for i, s := range app.Sources {
		switch s.Kind {
		case SourceKindOculus:
			if s.Endpoint == "" {
				errs = append(errs, fmt.Errorf("source #%d (oculus): endpoint must be set", i+1))
			}
			if s.OrderToken == "" {
				errs = append(errs, fmt.Errorf("source #%d (oculus): order_token must be set", i+1))
			}
		case SourceKindProxyMesh:
			if s.Host == "" || s.Port == "" {
				errs = append(errs, fmt.Errorf("source #%d (proxymesh): host and port must both be set", i+1))
			}
			if (s.Username != "") != (s.Password != "") {
				errs = append(errs, fmt.Errorf("source #%d (proxymesh): username and password must both be set or both be empty", i+1))
			}
		case "":
			errs = append(errs, fmt.Errorf("source #%d: kind must be set to 'oculus' or 'proxymesh'", i+1))
		default:
			errs = append(errs, fmt.Errorf("source #%d: unknown kind %q", i+1, s.Kind))
		}
	}

	if len(app.Users) == 0 {
		errs = append(errs, fmt.Errorf("internal error: user list is unexpectedly empty after loading configuration"))
	}
	for i, u := range app.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("user #%d: username cannot be empty", i+1))
		}
		if u.Password == "" {
			errs = append(errs, fmt.Errorf("user #%d (%q): password cannot be empty", i+1, u.Username))
		}
	}

	return errs
}

func isValidListenAddr(s string) bool {
	if _, _, err := net.SplitHostPort(s); err == nil {
		return true
	}
	if len(s) > 1 && s[0] == ':' {
		_, err := net.LookupPort("tcp", s[1:])
		return err == nil
	}
	return false
}
