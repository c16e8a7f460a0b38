package textnorm

import "strings"

// Stopword sets per language family. These are deliberately small: the gate
// and anchor checks only need the high-frequency function words that would
// otherwise dominate token overlap or pass as "realizations".

var englishStopwords = makeSet(
	"a", "an", "the", "and", "or", "but", "of", "in", "on", "at", "to", "for",
	"with", "by", "from", "as", "is", "are", "was", "were", "be", "been",
	"being", "it", "its", "this", "that", "these", "those", "i", "you", "he",
	"she", "we", "they", "me", "him", "her", "us", "them", "my", "your", "his",
	"our", "their", "not", "no", "so", "if", "then", "than", "too", "very",
	"can", "will", "just", "do", "does", "did", "have", "has", "had", "up",
	"down", "out", "into", "over", "under", "again", "there", "here", "when",
	"where", "why", "how", "all", "each", "both", "more", "most", "some",
	"such", "only", "own", "same", "s", "t", "don", "now", "o'er",
)

var frenchStopwords = makeSet(
	"le", "la", "les", "un", "une", "des", "du", "de", "d'", "et", "ou",
	"mais", "dans", "sur", "sous", "avec", "par", "pour", "sans", "chez",
	"est", "sont", "était", "étaient", "être", "été", "il", "elle", "ils",
	"elles", "je", "tu", "nous", "vous", "on", "me", "te", "se", "moi", "toi",
	"lui", "leur", "mon", "ma", "mes", "ton", "ta", "tes", "son", "sa", "ses",
	"notre", "nos", "votre", "vos", "leurs", "ce", "cet", "cette", "ces",
	"ne", "pas", "plus", "que", "qui", "quoi", "dont", "où", "si", "y", "en",
	"au", "aux", "comme", "très", "tout", "toute", "tous", "toutes", "c'est",
	"l'", "j'", "n'", "qu'", "s'",
)

var spanishStopwords = makeSet(
	"el", "la", "los", "las", "un", "una", "unos", "unas", "de", "del", "y",
	"o", "pero", "en", "con", "por", "para", "sin", "sobre", "entre", "es",
	"son", "era", "eran", "ser", "sido", "estar", "está", "están", "yo", "tú",
	"él", "ella", "ellos", "ellas", "nosotros", "vosotros", "usted",
	"ustedes", "me", "te", "se", "nos", "os", "le", "les", "lo", "mi", "mis",
	"tu", "tus", "su", "sus", "nuestro", "nuestra", "este", "esta", "estos",
	"estas", "ese", "esa", "esos", "esas", "no", "ni", "que", "quien",
	"como", "más", "muy", "todo", "toda", "todos", "todas", "al", "a",
)

var germanStopwords = makeSet(
	"der", "die", "das", "ein", "eine", "einen", "einem", "einer", "eines",
	"und", "oder", "aber", "in", "im", "an", "am", "auf", "aus", "bei",
	"mit", "nach", "seit", "von", "vom", "zu", "zum", "zur", "für", "ohne",
	"um", "über", "unter", "ist", "sind", "war", "waren", "sein", "gewesen",
	"ich", "du", "er", "sie", "es", "wir", "ihr", "mich", "dich", "sich",
	"uns", "euch", "mir", "dir", "ihm", "ihnen", "mein", "dein", "kein",
	"nicht", "nein", "so", "wenn", "dann", "als", "wie", "auch", "noch",
	"nur", "schon", "sehr", "alle", "alles", "man", "dass", "denn", "doch",
)

var portugueseStopwords = makeSet(
	"o", "a", "os", "as", "um", "uma", "uns", "umas", "de", "do", "da",
	"dos", "das", "e", "ou", "mas", "em", "no", "na", "nos", "nas", "com",
	"por", "para", "sem", "sobre", "entre", "é", "são", "era", "eram",
	"ser", "sido", "estar", "está", "estão", "eu", "tu", "ele", "ela",
	"eles", "elas", "nós", "vós", "você", "vocês", "me", "te", "se", "lhe",
	"lhes", "meu", "minha", "teu", "tua", "seu", "sua", "nosso", "nossa",
	"este", "esta", "estes", "estas", "esse", "essa", "isso", "isto", "não",
	"nem", "que", "quem", "como", "mais", "muito", "todo", "toda", "todos",
	"todas", "ao", "à", "às", "aos", "pelo", "pela",
)

var italianStopwords = makeSet(
	"il", "lo", "la", "i", "gli", "le", "un", "uno", "una", "di", "del",
	"della", "dei", "delle", "e", "o", "ma", "in", "nel", "nella", "su",
	"sul", "sulla", "con", "per", "tra", "fra", "senza", "è", "sono", "era",
	"erano", "essere", "stato", "io", "tu", "lui", "lei", "noi", "voi",
	"loro", "mi", "ti", "si", "ci", "vi", "mio", "mia", "tuo", "tua", "suo",
	"sua", "nostro", "nostra", "questo", "questa", "questi", "queste",
	"quello", "quella", "non", "né", "che", "chi", "come", "più", "molto",
	"tutto", "tutta", "tutti", "tutte", "al", "allo", "alla", "ai", "alle",
	"dal", "dallo", "dalla", "c'è", "l'", "un'", "d'",
)

var stopwordsByLang = map[string]map[string]struct{}{
	"en": englishStopwords,
	"fr": frenchStopwords,
	"es": spanishStopwords,
	"de": germanStopwords,
	"pt": portugueseStopwords,
	"it": italianStopwords,
}

var langAliases = map[string]string{
	"english":    "en",
	"french":     "fr",
	"français":   "fr",
	"francais":   "fr",
	"spanish":    "es",
	"español":    "es",
	"espanol":    "es",
	"castilian":  "es",
	"german":     "de",
	"deutsch":    "de",
	"portuguese": "pt",
	"português":  "pt",
	"portugues":  "pt",
	"italian":    "it",
	"italiano":   "it",
}

// ResolveLang maps a language hint (full name, ISO 639-1 code, or BCP-47 tag
// such as "pt-BR") to one of the supported two-letter codes. Unknown hints
// resolve to "en".
func ResolveLang(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return "en"
	}
	if i := strings.IndexAny(h, "-_"); i > 0 {
		h = h[:i]
	}
	if _, ok := stopwordsByLang[h]; ok {
		return h
	}
	if code, ok := langAliases[h]; ok {
		return code
	}
	return "en"
}

// StopwordsFor returns the stopword set for a language hint, falling back to
// English. The returned map must not be mutated.
func StopwordsFor(hint string) map[string]struct{} {
	return stopwordsByLang[ResolveLang(hint)]
}

func makeSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
