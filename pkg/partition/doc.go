/*
Package partition implements the deterministic key→partition mapping
and replica placement used by both the in-process shard store and the
distributed queue path.

Every process that partitions a given key must produce the same
partition id, so the hash is fixed to a 32-bit left-shift construction
(h = (h<<5) - h + c with int32 wrap) rather than a stdlib hash. Replicas
for a primary p are the partitions (p+i) mod P for i in [1, R).

The scheme is hash-mod-P, not a consistent-hash ring: changing the
partition count remaps effectively every key. P is therefore fixed at
startup for the life of a deployment.
*/
package partition
