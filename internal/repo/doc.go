// Package repo implements the layering resolver and the copy-on-write writer
// on top of the persistence port.
//
// A Repository hands out two kinds of transaction-scoped handles:
//
//   - View resolves paths, lists directories and answers ancestry queries.
//     It follows layered directories and layered files through their
//     indirections and detects indirection cycles.
//   - Writer embeds a View and mutates the head of exactly one store. Every
//     mutation first walks the target path with lookupForWrite, which copies
//     any component that is sealed, foreign or only visible through a layer,
//     linking each copy to its original with a HistoryLink.
//
// Writers for the same store are serialized by an in-process mutex held for
// the whole transaction. Views take no store locks.
package repo
