// Package perfeval has no teacher analogue; its algorithm is pure
// arithmetic over a node's benchmark score and the tier table, with no
// state of its own — see Evaluate.
package perfeval
