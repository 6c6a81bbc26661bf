package config

import (
	"net/url"
	"strconv"
	"strings"
)

// parseRedisURL breaks a redis://[:password@]host:port[/db] URL into the
// discrete fields cache.Config wants. An unparseable or empty URL falls
// back to the bare string as the address with no auth and DB 0 — redis
// still needs *some* address to dial.
func parseRedisURL(raw string) (address, password string, db int) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, "", 0
	}

	address = u.Host
	if pw, ok := u.User.Password(); ok {
		password = pw
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		if n, err := strconv.Atoi(path); err == nil {
			db = n
		}
	}
	return address, password, db
}
