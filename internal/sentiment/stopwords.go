package sentiment

// negations never make useful topic keywords.
var negations = map[string]bool{
	"not": true, "no": true, "never": true, "nothing": true, "nobody": true, "none": true, "neither": true,
	"nor": true, "without": true, "cannot": true, "dont": true, "didnt": true, "doesnt": true, "isnt": true,
	"wasnt": true, "wont": true, "wouldnt": true, "cant": true, "couldnt": true, "shouldnt": true, "arent": true,
}

var stopWords = map[string]bool{
	"a": true, "about": true, "after": true, "again": true, "all": true, "also": true, "am": true, "an": true,
	"and": true, "any": true, "are": true, "as": true, "at": true, "be": true, "been": true, "before": true,
	"being": true, "but": true, "by": true, "can": true, "could": true, "did": true, "do": true, "does": true,
	"for": true, "from": true, "get": true, "got": true, "had": true, "has": true, "have": true, "he": true,
	"her": true, "here": true, "him": true, "his": true, "how": true, "i": true, "if": true, "in": true,
	"into": true, "is": true, "it": true, "its": true, "just": true, "me": true, "more": true, "most": true,
	"my": true, "of": true, "on": true, "one": true, "only": true, "or": true, "other": true, "our": true,
	"out": true, "over": true, "she": true, "should": true, "so": true, "some": true, "than": true, "that": true,
	"the": true, "their": true, "them": true, "then": true, "there": true, "these": true, "they": true, "this": true,
	"to": true, "too": true, "up": true, "us": true, "very": true, "was": true, "we": true, "were": true,
	"what": true, "when": true, "which": true, "while": true, "who": true, "will": true, "with": true, "would": true,
	"you": true, "your": true,
}
