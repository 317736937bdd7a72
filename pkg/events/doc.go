/*
Package events defines the records on the dispatcher's outbound stream
and the stream writer that carries them.

Every record is a single JSON object discriminated by its type field:
stats, log, workers, partitions, result, error for dispatch streams,
plus progress and complete for bulk ingest. Constructors exist for each
shape so handlers never assemble events field by field.

Stream frames events as server-sent events (`data: <json>\n\n`) and
flushes after every record. Writes are governed by the safeWrite
contract: after the first failed write the stream is closed and all
later sends are silently dropped, so a client disconnect never aborts
work already in flight.
*/
package events
