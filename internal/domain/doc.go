// Package domain holds the records shared by the enrichment pipeline:
// cards and their tagged lifecycle state, collections and their aggregate
// progress, dictionary entries, media references, jobs and the error
// taxonomy used to decide what is retried.
package domain
