// Package journal maintains the ordered entry log of a single
// invocation: replay matching of re-issued commands against recorded
// entries, index assignment for fresh entries, and per-entry completion
// bookkeeping used to deduplicate peer completions.
package journal
