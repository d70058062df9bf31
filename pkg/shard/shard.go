// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package shard derives deterministic, sharded blob-store paths from DOIP
// identifiers. It is a pure function of its inputs — no time, no
// randomness, no I/O — matching spec invariant I3.
package shard

import (
	"strings"

	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
)

// extensionByMediaType mirrors spec §4.3's fixed table. Anything not
// listed falls back to "bin".
var extensionByMediaType = map[string]string{
	"application/pdf":  "pdf",
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"image/svg+xml":    "svg",
	"application/json": "json",
}

// Base returns the uppercased base identifier (`Q` followed by its maximal
// run of decimal digits), discarding any compat-routing suffix.
func Base(identifier string) (string, error) {
	up := strings.ToUpper(identifier)
	if !strings.HasPrefix(up, "Q") {
		return "", doiperr.New(doiperr.InvalidIdentifier, "identifier %q does not start with 'Q'", identifier)
	}
	i := 1
	for i < len(up) && up[i] >= '0' && up[i] <= '9' {
		i++
	}
	if i == 1 {
		return "", doiperr.New(doiperr.InvalidIdentifier, "identifier %q has no digits after 'Q'", identifier)
	}
	return up[:i], nil
}

// Shard returns the 2-2-2 sharded directory prefix for identifier, e.g.
// Shard("Q123543") == "12/35/43/Q123543".
func Shard(identifier string) (string, error) {
	base, err := Base(identifier)
	if err != nil {
		return "", err
	}
	digits := base[1:]
	if len(digits) < 6 {
		digits = strings.Repeat("0", 6-len(digits)) + digits
	}
	return digits[0:2] + "/" + digits[2:4] + "/" + digits[4:6] + "/" + base, nil
}

// ExtensionFor resolves the file extension for a component, preferring an
// explicit override, then the media-type table, then "bin".
func ExtensionFor(mediaType, override string) string {
	if override != "" {
		return strings.TrimPrefix(override, ".")
	}
	if ext, ok := extensionByMediaType[mediaType]; ok {
		return ext
	}
	return "bin"
}

// ComponentKey builds the full blob-store key for a component:
// "<branch>/<shard-prefix>/components/<componentId>.<ext>". An empty ext
// yields a trailing-dot-less name.
func ComponentKey(branch, identifier, componentID, ext string) (string, error) {
	prefix, err := Shard(identifier)
	if err != nil {
		return "", err
	}
	name := componentID
	if ext != "" {
		name += "." + ext
	}
	return branch + "/" + prefix + "/components/" + name, nil
}
