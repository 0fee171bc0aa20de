package domain

// UpsertAction reports what UpsertContact did.
type UpsertAction string

const (
	UpsertCreated  UpsertAction = "created"
	UpsertExisting UpsertAction = "existing"
)

// ContactMatch is one hit of a contact-store search: the raw card plus
// the addressing needed for a conditional update.
type ContactMatch struct {
	Href     string
	ETag     string
	UID      string
	CardData []byte
}

// GroupInfo identifies a contact group card on the wire.
type GroupInfo struct {
	Name string
	Href string
	ETag string
	UID  string
}

// UpsertResult is the outcome of a contact upsert.
type UpsertResult struct {
	Action UpsertAction
	UID    string
	Group  string

	// NameMismatch is set when the existing card already had a non-empty
	// display name that differs from the one the triage provided.
	NameMismatch bool
}
