package config

import "testing"

func TestParseRedisURL(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		address, pw string
		db          int
	}{
		{"plain", "redis://localhost:6379", "localhost:6379", "", 0},
		{"with password and db", "redis://:hunter2@cache.internal:6380/2", "cache.internal:6380", "hunter2", 2},
		{"no scheme falls back to raw", "not-a-url spaces", "not-a-url spaces", "", 0},
		{"empty host falls back to raw", "redis:///1", "redis:///1", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, pw, db := parseRedisURL(tc.raw)
			if addr != tc.address || pw != tc.pw || db != tc.db {
				t.Errorf("parseRedisURL(%q) = (%q, %q, %d), want (%q, %q, %d)",
					tc.raw, addr, pw, db, tc.address, tc.pw, tc.db)
			}
		})
	}
}
