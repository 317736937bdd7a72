/*
Package storage provides the three storage surfaces of visionq.

# Shard Store

ShardStore is an in-memory simulation of partitioned placement used by
the in-process dispatch path. Keys map to a primary partition through
pkg/partition; each store also lands a copy in the R-1 replica
partitions. Per-partition locking makes individual writes atomic, but a
multi-replica write is not atomic across partitions, so readers always
go through the primary. A configurable per-partition cap turns
overfull writes into ErrPartitionFull.

# Ingest Ledger

Ledger is a small BoltDB database recording bulk-ingest runs per
dataset (counts and timestamps), so repeated loads stay inspectable
across restarts.

# Object Store

ObjectStore is the capability surface the distributed path consumes:
put/get/list/presign/remove plus bucket management. MinioStore backs it
with MinIO. Image payloads live under
partition-{i}/{hash8}-{epoch_ms}.{ext} in the images bucket; result
documents under results/{id}.json in the results bucket.
*/
package storage
