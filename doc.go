/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# rdb: a replicated key-value database for service metadata

## Data Model

* KVS, a named key-value namespace. KVSs nest: a key of a KVS may name a child KVS, and a Path, the keys leading from the root KVS, names every KVS.

* Object, the storage behind a KVS. Records of an object are versioned by raft log index, a read at index i sees the newest record not above i.

* Replica, one raft member of a database, identified by (rank, generation).

## Architecture

A transaction buffers operations, Commit packs them into one raft entry and waits until the entry is applied. The apply loop takes committed entries strictly in index order and writes each one through an index writer, which is either committed with the new applied index or discarded as a whole. Data errors that every replica sees alike, such as a missing KVS, become the result of the entry. Any other failure halts the replica.

A path cache maps paths to objects at a given index. Destroying a KVS evicts it and everything under it.

### Replication

etcd raft, one raft group per database. Messages travel over gRPC, or an in-process network in tests.

### Storage

two LSM instances per replica: the raft store holds the hard state and the log with a synced WAL, the kv store holds the versioned objects with the WAL disabled and is made durable by checkpoints before the log is truncated.

## Building Blocks

* etcd raft
* gRPC
* Pebble, Rocksdb
* Prometheus

*/

package rdb
