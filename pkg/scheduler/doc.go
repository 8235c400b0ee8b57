/*
Package scheduler selects the best node for a VM spec under a quality tier.

Selection runs in four stages: hard filters (status, tier eligibility,
architecture, load, free memory) reject a node outright; a capacity check
applies the tier's overcommit ratios and rejects nodes that can't fit the
VM's cost; a utilization ceiling rejects placements that would push
projected CPU or memory usage past a configured threshold; and the
survivors are scored across four weighted dimensions (capacity, load,
reputation, locality) and ranked. Ties break on node id for determinism.

GetScoredNodes exposes every candidate with its per-dimension scores and,
for rejected nodes, the reason — used both by SelectBestNode and directly
by callers that want visibility into near-misses.
*/
package scheduler
