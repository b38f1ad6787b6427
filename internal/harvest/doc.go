// Package harvest defines the domain types, sentinel errors and collaborator
// contracts shared by the store-locator harvesting pipeline: provinces, store
// references and records, work units, page outcomes and challenge artifacts.
package harvest
