// Package queue implements the bounded outbound priority queue.
//
// Entries are grouped into one FIFO list per priority tier. Dequeue always
// serves the highest non-empty tier first. A periodic aging pass promotes
// entries that have waited long enough so low-priority traffic is never
// starved, and a full queue evicts the oldest entry of the lowest tier, but
// never in favour of a message with lower priority than the victim.
package queue
