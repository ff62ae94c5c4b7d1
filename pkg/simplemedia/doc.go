// Package simplemedia ingests uploaded files, stores one physical copy per distinct
// content digest and lets unrelated domain entities attach to the stored media.
//
// The Service interface covers the request path: CreateMedia validates and
// deduplicates an upload and enqueues a job, and the association operations link
// media to entities identified only by a type and an opaque id. The Processor drains
// the job queue in the background: it stores the original, derives variants,
// extracts metadata and moves the record to ready or failed. Repositories (memory,
// Postgres), job queues (memory, Postgres) and blob stores (memory, filesystem, S3)
// are provided under subpackages.
//
// Deduplication
//
// Under the global scope the content hash is unique across the registry and a second
// uploader of the same bytes gets a reference to the existing record. Under the owner
// scope every owner gets its own record while the stored objects are shared, and they
// are removed with the last record that references them.
package simplemedia
