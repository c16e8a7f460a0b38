package recipe

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// ContextInputs are the cache-key inputs for recipe generation. Identical
// inputs must always produce the same hash, so a cached bundle can be
// validated against the current thread state.
type ContextInputs struct {
	TranslationIntent string
	TranslationZone   string
	SourceLanguage    string
	TargetLanguage    string
	PoemText          string
}

// ContextHash derives the stable cache key from the schema version and the
// normalized context inputs. The poem text is pre-hashed so the key stays
// short regardless of poem length.
func ContextHash(in ContextInputs) string {
	poemSum := blake3.Sum256([]byte(in.PoemText))

	h := blake3.New()
	for _, part := range []string{
		SchemaVersion,
		strings.ToLower(strings.TrimSpace(in.TranslationIntent)),
		strings.ToLower(strings.TrimSpace(in.TranslationZone)),
		strings.ToLower(strings.TrimSpace(in.SourceLanguage)),
		strings.ToLower(strings.TrimSpace(in.TargetLanguage)),
		hex.EncodeToString(poemSum[:]),
	} {
		_, _ = h.WriteString(part)
		_, _ = h.WriteString("\x00")
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// DeriveStancePlan deterministically picks a stance plan for variant C from
// the context hash. Used when the generator omits the plan or reports a form
// the mode forbids. First person singular is never derived.
func DeriveStancePlan(contextHash string, m Mode) *StancePlan {
	forms := []SubjectForm{SubjectWe, SubjectYou, SubjectThirdPerson, SubjectImpersonal}
	idx := 0
	if b, err := hex.DecodeString(contextHash); err == nil && len(b) > 0 {
		idx = int(b[0]) % len(forms)
	}
	return &StancePlan{SubjectForm: forms[idx]}
}
