package answer

// Mode selects where the answer's context comes from.
type Mode string

const (
	// ModeBookWide retrieves context with a vector search over the
	// ingested book.
	ModeBookWide Mode = "book-wide"
	// ModeSelectedText answers from a caller-supplied passage only and
	// never touches the vector store.
	ModeSelectedText Mode = "selected-text"
)

// InsufficientContextMessage is returned verbatim when selected-text mode
// has no usable context. Callers match on it, so the wording is fixed.
const InsufficientContextMessage = "The answer is not available in the selected text."

// noCoverageMessage is the book-wide counterpart when retrieval comes back
// empty.
const noCoverageMessage = "I cannot answer that question as it's not covered in the book content."

// Source cites one context chunk that backed the answer.
type Source struct {
	Chapter string
	Section string
	Snippet string
	Score   float32
}

// Validation reports how well the generated answer is grounded in the
// context it was given.
type Validation struct {
	AlignmentScore  float64
	Threshold       float64
	IsAligned       bool
	UnmatchedTokens []string
}

// Response is the full answer envelope: the generated text, the mode that
// produced it, the cited sources, and the grounding verdict.
type Response struct {
	Answer     string
	Mode       Mode
	Sources    []Source
	Validation Validation
}
