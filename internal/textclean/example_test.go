package textclean_test

import (
	"fmt"

	"github.com/allcryptotokens/tokendb/internal/textclean"
)

func ExampleSanitize() {
	raw := `<p>The <a href="https://x">Bitcoin</a> network.</p><p>Fish &amp; Chips.</p>`
	fmt.Println(textclean.Sanitize(raw, 0))
	// Output: The Bitcoin network. Fish & Chips.
}

func ExampleIsGarbage() {
	fmt.Println(textclean.IsGarbage("Ethereum is a decentralized platform for smart contracts."))
	fmt.Println(textclean.IsGarbage("Claim your airdrop now"))
	// Output:
	// false
	// true
}
