/*
Package storage is the KeyValueStore capability behind CoreDB and
EphemeralDB: two BoltDB files, one bucket per declared store plus one
auxiliary bucket per declared secondary index, and a transaction
primitive that can span both databases at once for the Working Copy
commit protocol.

CoreDB owns trees, nodes, rootStates and plugin-declared stores.
EphemeralDB owns workingCopies, viewStates and plugin-declared
ephemeral stores. Nothing above this package talks to bbolt directly;
higher layers only see Engine, BoltHandle and Tx.
*/
package storage
