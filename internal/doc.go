// Package internal holds cross-cutting helpers shared by the engine and its
// flow runners: token/backup-code material generation and the opaque refresh
// token codec. Nothing here performs I/O.
package internal
