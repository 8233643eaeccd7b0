/*
Package ports defines the driven ports (interfaces) of the storyguard engine.

These interfaces decouple the progression core from the stores it repairs and
from the backends that persist its ledger and sessions, so tests can substitute
fakes and adapters can be swapped without touching the core.

# Key Interfaces

  - ItemStore, ProgressStore, KnowledgeStore, ResourceStore: external game stores
    the engine queries and mutates through documented operations only.
  - LedgerStore: append-only persistence of ledger transactions.
  - SnapshotStore: persistence of an active conversation for resume after refresh.
  - DistributedLocker: coordinates sweeps and session access across replicas.
  - EventPublisher: outbound analytics events.
*/
package ports
