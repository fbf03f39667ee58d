package conversation

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"polychat/internal/providers"
)

// perMessageOverhead approximates the role and separator tokens chat formats add per turn.
const perMessageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts the prompt tokens of msgs with cl100k_base. Vendors tokenize
// differently, so the result is an estimate used for metrics and logs only.
func EstimateTokens(msgs []providers.Message) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})

	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		if codec != nil {
			if ids, _, err := codec.Encode(m.Content); err == nil {
				total += len(ids)
				continue
			}
		}
		total += (utf8.RuneCountInString(m.Content) + 3) / 4
	}
	return total
}
