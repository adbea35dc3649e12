package models

import "fmt"

// TokenType identifies one of the four token ledgers.
type TokenType string

const (
	TokenGCC    TokenType = "GCC"
	TokenSPIRIT TokenType = "SPIRIT"
	TokenMANA   TokenType = "MANA"
	TokenGHOST  TokenType = "GHOST"
)

// TokenTypes lists every ledger in canonical lock order. Cross-token
// operations must acquire partition locks in this order.
var TokenTypes = []TokenType{TokenGCC, TokenSPIRIT, TokenMANA, TokenGHOST}

// ParseTokenType validates a wire-level token type.
func ParseTokenType(s string) (TokenType, error) {
	switch TokenType(s) {
	case TokenGCC, TokenSPIRIT, TokenMANA, TokenGHOST:
		return TokenType(s), nil
	}
	return "", fmt.Errorf("unknown token type %q", s)
}

// LockRank returns the canonical ordering index of t.
func (t TokenType) LockRank() int {
	for i, tt := range TokenTypes {
		if tt == t {
			return i
		}
	}
	return len(TokenTypes)
}
