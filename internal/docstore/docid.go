package docstore

import (
	"github.com/google/uuid"
)

// Doc IDs have the form "{relay_id}-{doc_uuid}" where both halves are
// canonical 36-character UUIDs, giving a fixed length of 73 bytes with
// the joining hyphen at offset 36.
const docIDLen = 73

// ParseDocID splits a doc ID into its relay ID and document UUID.
// Returns false if the ID is malformed.
func ParseDocID(docID string) (relayID, docUUID string, ok bool) {
	if len(docID) != docIDLen || docID[36] != '-' {
		return "", "", false
	}
	relayID = docID[:36]
	docUUID = docID[37:]
	if _, err := uuid.Parse(relayID); err != nil {
		return "", "", false
	}
	if _, err := uuid.Parse(docUUID); err != nil {
		return "", "", false
	}
	return relayID, docUUID, true
}

// JoinDocID builds a doc ID from a relay ID and a document UUID.
func JoinDocID(relayID, docUUID string) string {
	return relayID + "-" + docUUID
}

// NewDocUUID mints a fresh document UUID.
func NewDocUUID() string {
	return uuid.NewString()
}
