package record

// EntryKind tags the variant of a WriteEntry.
type EntryKind uint8

const (
	EntryLearnConcept EntryKind = iota
	EntryLearnAssociation
	EntryTouch
	EntryForget
)

// WriteEntry is a pending mutation buffered in the write log until the
// reconciler drains and applies it. Only the fields relevant to Kind are
// populated by producers.
type WriteEntry struct {
	Kind EntryKind

	// LearnConcept
	ConceptID  ConceptId
	Content    []byte
	Vector     []float32
	HasVector  bool
	Strength   float32
	Confidence float32
	Semantic   map[string]any

	// LearnAssociation
	Source ConceptId
	Target ConceptId
	Type   AssociationType

	// Touch reuses ConceptID above.
	// Forget reuses ConceptID above: it writes a tombstoned concept record
	// in place (spec §3 Lifecycle "Logically deleted").
}
