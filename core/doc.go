// Package core holds the types shared by every memory component: the Episode
// record and its lifecycle, episode identifiers, tag normalization and the
// error taxonomy surfaced to callers.
package core
