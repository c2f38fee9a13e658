// Package crawler defines the records, outcomes and collaborator interfaces
// shared by the listing, detail, download and sync packages.
package crawler
