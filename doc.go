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

# ShardRoute: versioned routing for a sharded document store

## Data Model

* Collection, a namespace "db.coll" split into chunks, each chunk a half open key range owned by one shard.

* Collection version, {epoch, major, minor}. The epoch changes when a collection is (re)created, major when a chunk changes owner, minor on splits and merges.

* Database, the unsharded collections of a database live on its primary shard, guarded by the database version.

## Architecture

A cluster has three server roles:

* Master, the metadata authority: collections, databases, the shard registry and migration records, all changed by conditional writes. It also coordinates chunk migrations.

* Router, caches routing tables, sends every operation with the version it was routed by and hides staleness by refresh and retry.

* ShardServer, checks every request version against its own view, serves documents and takes part in migrations as donor or recipient.

Every server provides endpoints via gRPC, the master adds a RESTful admin API.

## Migration

cloning -> catching_up -> blocking -> committing -> committed -> done, or aborting -> aborted before the commit. Each phase is written to the migration record before the shards act on it.

## Building Blocks

* gRPC
* Prometheus
* Zookeeper

*/

package shardroute
