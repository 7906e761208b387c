package common

// Collection names in the remote document store.
const (
	CollectionNotes     = "notes"
	CollectionNotebooks = "notebooks"
	CollectionVersions  = "versions"
	CollectionConflicts = "conflicts"
)
