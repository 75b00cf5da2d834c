package repository

import (
	"path"
	"strings"
)

// Remote layout. Everything owned by an identity lives under users/{uid}.
// The cpde/v1/farms tree is the legacy single-tenant layout written by older
// clients, keyed by a farm id remembered on the device.
const (
	usersRoot       = "users"
	legacyFarmsRoot = "cpde/v1/farms"
)

// ProfilePath is where the identity's profile record lives.
func ProfilePath(uid string) string { return path.Join(usersRoot, uid, "profile") }

// FieldsPath is the collection of the identity's fields.
func FieldsPath(uid string) string { return path.Join(usersRoot, uid, "fields") }

// GridPath is where the identity's grid readings live.
func GridPath(uid string) string { return path.Join(usersRoot, uid, "grid") }

// VariancePath is the identity's variance document ({last30: [...]}).
func VariancePath(uid string) string { return path.Join(usersRoot, uid, "variance") }

// VarianceSeriesPath is the most recent variance samples.
func VarianceSeriesPath(uid string) string { return path.Join(VariancePath(uid), "last30") }

// LegacyFarmPath is the legacy single-tenant record for a farm id.
func LegacyFarmPath(farmID string) string { return path.Join(legacyFarmsRoot, farmID) }

// SplitPath normalizes p and returns its segments. Empty segments are dropped,
// so "users//a/" and "users/a" address the same node.
func SplitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// CleanPath returns the canonical form of p.
func CleanPath(p string) string {
	return strings.Join(SplitPath(p), "/")
}
