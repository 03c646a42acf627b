package redis

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Options configures a Session, per §6.3.
type Options struct {
	Host string
	Port int

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	AutoConnect bool
	ClientName  string
	Database    int

	// URL, when set, is parsed by ParseURL and overrides Host/Port/Database.
	URL string
}

// DefaultOptions returns the §6.3 defaults.
func DefaultOptions() Options {
	return Options{
		Host:           "localhost",
		Port:           6379,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		AutoConnect:    true,
	}
}

// Validate rejects malformed configuration per §6.3: port out of
// [1,65535], a negative connect_timeout, a zero or negative
// command_timeout, negative database, and URL scheme not in
// {redis, rediss}. When URL is set, its port and database are the ones
// checked.
func (o Options) Validate() error {
	if o.URL != "" {
		parsed, err := parseRedisURL(o.URL)
		if err != nil {
			return wrapError(CodeInvalidOption, "invalid url", err)
		}
		o.Port = parsed.Port
		o.Database = parsed.Database
	}
	if o.Port < 1 || o.Port > 65535 {
		return newError(CodeInvalidOption, "port out of range: "+strconv.Itoa(o.Port))
	}
	if o.ConnectTimeout < 0 {
		return newError(CodeInvalidOption, "negative connect_timeout")
	}
	if o.CommandTimeout <= 0 {
		return newError(CodeInvalidOption, "command_timeout must be positive")
	}
	if o.Database < 0 {
		return newError(CodeInvalidOption, "negative database")
	}
	return nil
}

// ParseURL applies the url option form
// "redis[s]://[user[:pass]@]host[:port][/db]" onto a copy of o, returning
// the merged Options. Only host, port and database are carried over; the
// user, password and rediss (TLS) scheme are parsed but not applied.
func (o Options) ParseURL(raw string) (Options, error) {
	parsed, err := parseRedisURL(raw)
	if err != nil {
		return o, wrapError(CodeInvalidOption, "invalid url", err)
	}
	out := o
	out.Host = parsed.Host
	out.Port = parsed.Port
	out.Database = parsed.Database
	return out, nil
}

type parsedURL struct {
	Host     string
	Port     int
	Database int
	User     string
	Password string
	TLS      bool
}

func parseRedisURL(raw string) (parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return parsedURL{}, errors.Wrap(err, "malformed url")
	}
	var out parsedURL
	switch u.Scheme {
	case "redis":
		out.TLS = false
	case "rediss":
		out.TLS = true
	default:
		return parsedURL{}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	out.Host = host

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return parsedURL{}, errors.Wrap(err, "invalid port")
		}
		out.Port = port
	} else {
		out.Port = 6379
	}

	if u.User != nil {
		out.User = u.User.Username()
		out.Password, _ = u.User.Password()
	}

	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return parsedURL{}, errors.Wrap(err, "invalid database path segment")
		}
		if db < 0 {
			return parsedURL{}, errors.New("negative database")
		}
		out.Database = db
	}

	return out, nil
}
