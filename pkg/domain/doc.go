/*
Package domain contains the core domain models of the storyguard progression engine.

It defines the authored conversation graph, the per-conversation context, the
transaction ledger records and the recovery actions used to repair broken
narrative state. This package is kept pure and free of I/O or persistence,
following the same Hexagonal Architecture split as the rest of the module.

# Key Entities

  - DialogueState / DialogueOption: nodes and player choices of an authored conversation.
  - DialogueFlow: the immutable graph plus the ordered critical-path checkpoints.
  - DialogueContext: the mutable accumulator of a single active conversation.
  - Transaction: an append-only ledger record of a critical grant operation.
  - RecoveryPlan: an ordered, closed set of repair actions.
*/
package domain
