// Package avm defines the domain model of the versioned, layered repository:
// nodes, child entries, history and merge links, version paths, differences,
// the error taxonomy and the persistence port the engines are written against.
//
// This package imports nothing internal. Every other internal package builds on
// it, and the persistence port keeps the engines independent of any particular
// database.
//
// Key constraints:
//   - Version -1 is the mutable head of a store; every other version is sealed
//   - Sealed nodes are never updated in place; only a HeadNode can be written
//   - Child names are NFC-normalized before they reach storage
package avm
