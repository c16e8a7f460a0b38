// Package structural classifies the surface shape of a candidate line:
// opener type, length bucket, punctuation profile, and a compact structural
// signature used for template-collision detection across variants.
package structural

import (
	"fmt"
	"strings"

	"github.com/verselab/triptych/internal/textnorm"
)

// OpenerType is the grammatical category of a line's first token.
type OpenerType string

const (
	OpenerPron       OpenerType = "PRON"
	OpenerPrep       OpenerType = "PREP"
	OpenerNounPhrase OpenerType = "NOUN_PHRASE"
	OpenerGerund     OpenerType = "GERUND"
	OpenerOther      OpenerType = "OTHER"
)

// LengthBucket groups lines by non-punctuation token count.
type LengthBucket string

const (
	LengthShort LengthBucket = "short" // <= 6 tokens
	LengthMed   LengthBucket = "med"   // 7-14 tokens
	LengthLong  LengthBucket = "long"  // >= 15 tokens
)

var pronounsByLang = map[string]map[string]struct{}{
	"en": set("i", "you", "he", "she", "it", "we", "they", "one"),
	"fr": set("je", "j'", "tu", "il", "elle", "on", "nous", "vous", "ils", "elles"),
	"es": set("yo", "tú", "él", "ella", "usted", "nosotros", "nosotras", "vosotros", "ustedes", "ellos", "ellas"),
	"de": set("ich", "du", "er", "sie", "es", "wir", "ihr", "man"),
	"pt": set("eu", "tu", "ele", "ela", "você", "nós", "vós", "vocês", "eles", "elas"),
	"it": set("io", "tu", "lui", "lei", "noi", "voi", "loro"),
}

var prepositionsByLang = map[string]map[string]struct{}{
	"en": set("in", "on", "at", "by", "with", "from", "to", "into", "over", "under", "through", "between", "among", "beneath", "beyond", "across", "against", "along", "within", "without", "toward", "towards", "upon"),
	"fr": set("dans", "sur", "sous", "avec", "de", "vers", "chez", "entre", "parmi", "contre", "depuis", "pendant", "par", "pour", "sans"),
	"es": set("en", "sobre", "bajo", "con", "de", "desde", "hacia", "hasta", "entre", "contra", "durante", "por", "para", "sin", "tras"),
	"de": set("in", "an", "auf", "bei", "mit", "von", "zu", "aus", "über", "unter", "durch", "zwischen", "gegen", "seit", "ohne", "nach", "vor"),
	"pt": set("em", "sobre", "sob", "com", "de", "desde", "até", "entre", "contra", "durante", "por", "para", "sem"),
	"it": set("in", "su", "sotto", "con", "di", "da", "verso", "tra", "fra", "contro", "durante", "per", "senza"),
}

var determinersByLang = map[string]map[string]struct{}{
	"en": set("the", "a", "an", "this", "that", "these", "those", "my", "your", "his", "her", "its", "our", "their", "each", "every", "some", "any", "no"),
	"fr": set("le", "la", "les", "un", "une", "des", "ce", "cet", "cette", "ces", "mon", "ma", "mes", "ton", "ta", "tes", "son", "sa", "ses", "notre", "nos", "votre", "vos", "leur", "leurs", "chaque", "quelque", "l'"),
	"es": set("el", "la", "los", "las", "un", "una", "unos", "unas", "este", "esta", "estos", "estas", "ese", "esa", "esos", "esas", "mi", "mis", "tu", "tus", "su", "sus", "nuestro", "nuestra", "cada", "algún", "alguna"),
	"de": set("der", "die", "das", "ein", "eine", "einen", "einem", "einer", "dieser", "diese", "dieses", "mein", "dein", "sein", "ihr", "unser", "euer", "jeder", "jede", "jedes", "kein", "keine"),
	"pt": set("o", "a", "os", "as", "um", "uma", "uns", "umas", "este", "esta", "estes", "estas", "esse", "essa", "meu", "minha", "teu", "tua", "seu", "sua", "nosso", "nossa", "cada", "algum", "alguma"),
	"it": set("il", "lo", "la", "i", "gli", "le", "un", "uno", "una", "questo", "questa", "questi", "queste", "quello", "quella", "mio", "mia", "tuo", "tua", "suo", "sua", "nostro", "nostra", "ogni", "qualche", "l'", "un'"),
}

// Common English nouns ending in -ing that must not be classified as gerund
// openers.
var ingNounDenylist = set(
	"morning", "evening", "spring", "string", "thing", "king", "ring", "wing",
	"sing", "song", "ceiling", "feeling", "meaning", "being", "nothing",
	"something", "everything", "anything", "lightning", "darling", "building",
	"painting", "wedding", "beginning", "ending", "clothing", "longing",
)

// OpenerType classifies the first token of text. The gerund heuristic only
// applies to English; for other languages a token ending in -ing is treated
// as OTHER unless it matches a lookup set.
func Opener(text, langHint string) OpenerType {
	toks := textnorm.Tokenize(text)
	if len(toks) == 0 {
		return OpenerOther
	}
	first := toks[0]
	lang := textnorm.ResolveLang(langHint)

	if _, ok := pronounsByLang[lang][first]; ok {
		return OpenerPron
	}
	if _, ok := prepositionsByLang[lang][first]; ok {
		return OpenerPrep
	}
	if _, ok := determinersByLang[lang][first]; ok {
		return OpenerNounPhrase
	}
	if lang == "en" && strings.HasSuffix(first, "ing") && len(first) > 4 {
		if _, noun := ingNounDenylist[first]; !noun {
			return OpenerGerund
		}
	}
	return OpenerOther
}

// Bucket returns the length bucket of text measured in non-punctuation
// tokens.
func Bucket(text string) LengthBucket {
	n := len(textnorm.Tokenize(text))
	switch {
	case n <= 6:
		return LengthShort
	case n <= 14:
		return LengthMed
	default:
		return LengthLong
	}
}

// PunctuationProfile counts the clause-shaping punctuation in text.
type PunctuationProfile struct {
	Commas     int
	Dashes     int
	Colons     int
	Semicolons int
}

// Punctuation returns the punctuation profile of the raw (un-normalized)
// text. Unicode dash variants count as dashes.
func Punctuation(text string) PunctuationProfile {
	var p PunctuationProfile
	for _, r := range text {
		switch r {
		case ',', '、', '，':
			p.Commas++
		case '-', '‐', '‑', '‒', '–', '—', '―':
			p.Dashes++
		case ':', '：':
			p.Colons++
		case ';', '；':
			p.Semicolons++
		}
	}
	return p
}

// Signature returns the structural signature
// "{opener}|{bucket}|c{commas}d{dashes}k{colons}s{semicolons}|{tense}".
// It is stable under leading/trailing whitespace.
func Signature(text, langHint string) string {
	p := Punctuation(strings.TrimSpace(text))
	return fmt.Sprintf("%s|%s|c%dd%dk%ds%d|%s",
		Opener(text, langHint), Bucket(text),
		p.Commas, p.Dashes, p.Colons, p.Semicolons,
		tenseApprox(text, langHint))
}

// tenseApprox is a coarse past/present split. English only; other languages
// report "pres" (the signature still discriminates on the other fields).
func tenseApprox(text, langHint string) string {
	if textnorm.ResolveLang(langHint) != "en" {
		return "pres"
	}
	for _, tok := range textnorm.Tokenize(text) {
		switch tok {
		case "was", "were", "had", "did", "went", "came", "saw", "stood", "fell", "held", "ran", "sang", "spoke", "knew", "left":
			return "past"
		}
		if strings.HasSuffix(tok, "ed") && len(tok) > 3 {
			return "past"
		}
	}
	return "pres"
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
