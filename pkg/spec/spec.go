// Package spec implements specifiers, the compound addresses every
// replicated operation travels under.
//
// A specifier is an ordered sequence of quant-prefixed tokens, for instance
// `/Model#7AM0f+gritzko!7AMTc+gritzko.set` names the `set` operation issued
// at `7AMTc` by `gritzko` on the `Model` object `7AM0f+gritzko`.
package spec

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Quants in canonical order.
const (
	QuantType    byte = '/'
	QuantID      byte = '#'
	QuantVersion byte = '!'
	QuantMethod  byte = '.'
)

// Quants lists every recognised quant in canonical sort order.
const Quants = "/#!."

// FullPattern is the pattern of a fully qualified operation specifier.
const FullPattern = "/#!."

// DefaultSource is the extension implied by a token without `+ext`.
const DefaultSource = "swarm"

var ErrMalformed = errors.New("spec: malformed specifier")

var (
	reQTokExt = regexp.MustCompile(`([/#!.])([0-9A-Za-z_~]+(?:\+[0-9A-Za-z_~]+)?)`)
	reTokExt  = regexp.MustCompile(`^([0-9A-Za-z_~]+)(?:\+([0-9A-Za-z_~]+))?$`)
)

// Token is a single (quant, body) pair of a [Spec].
type Token struct {
	Quant byte
	Body  string
}

// Bare returns the body without its extension.
func (t Token) Bare() string {
	bare, _, _ := strings.Cut(t.Body, "+")
	return bare
}

// Ext returns the extension of the body, [DefaultSource] when absent.
func (t Token) Ext() string {
	_, ext, found := strings.Cut(t.Body, "+")
	if !found {
		return DefaultSource
	}
	return ext
}

func (t Token) String() string {
	return string(t.Quant) + t.Body
}

// Spec is an immutable specifier. The zero value is the empty specifier.
type Spec struct {
	tokens []Token
}

// Parse builds a [Spec] from its wire form. Anything that is not a valid
// token makes the whole string malformed.
func Parse(text string) (Spec, error) {
	var sp Spec
	matches := reQTokExt.FindAllStringSubmatchIndex(text, -1)
	at := 0
	for _, m := range matches {
		if m[0] != at {
			return Spec{}, fmt.Errorf("%w: %q", ErrMalformed, text)
		}
		sp.tokens = append(sp.tokens, Token{Quant: text[m[2]], Body: text[m[4]:m[5]]})
		at = m[1]
	}
	if at != len(text) {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformed, text)
	}
	return sp, nil
}

// ParseWithQuant is like [Parse] but prepends quant when text starts with
// a bare token body, so "init" parsed with '.' is `.init`.
func ParseWithQuant(text string, quant byte) (Spec, error) {
	if text != "" && strings.IndexByte(Quants, text[0]) == -1 {
		text = string(quant) + text
	}
	return Parse(text)
}

// MustParse is like [Parse] but panics on malformed input.
func MustParse(text string) Spec {
	sp, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return sp
}

// Is reports whether text is a well-formed specifier.
func Is(text string) bool {
	_, err := Parse(text)
	return err == nil
}

// Tokens returns a copy of the tokens.
func (s Spec) Tokens() []Token {
	return slices.Clone(s.tokens)
}

func (s Spec) Len() int {
	return len(s.tokens)
}

func (s Spec) IsEmpty() bool {
	return len(s.tokens) == 0
}

func (s Spec) String() string {
	var b strings.Builder
	for _, tok := range s.tokens {
		b.WriteByte(tok.Quant)
		b.WriteString(tok.Body)
	}
	return b.String()
}

// Filter keeps the tokens whose quant is in quants, order preserved.
func (s Spec) Filter(quants string) Spec {
	var ret Spec
	for _, tok := range s.tokens {
		if strings.IndexByte(quants, tok.Quant) != -1 {
			ret.tokens = append(ret.tokens, tok)
		}
	}
	return ret
}

// Sort orders tokens by canonical quant order, then by body.
func (s Spec) Sort() Spec {
	ret := Spec{tokens: slices.Clone(s.tokens)}
	slices.SortStableFunc(ret.tokens, func(a, b Token) int {
		qa, qb := strings.IndexByte(Quants, a.Quant), strings.IndexByte(Quants, b.Quant)
		if qa != qb {
			return qa - qb
		}
		return strings.Compare(a.Body, b.Body)
	})
	return ret
}

// Add appends every token of other. It does not deduplicate quants, use
// [Spec.Set] to override.
func (s Spec) Add(other Spec) Spec {
	ret := Spec{tokens: make([]Token, 0, len(s.tokens)+len(other.tokens))}
	ret.tokens = append(ret.tokens, s.tokens...)
	ret.tokens = append(ret.tokens, other.tokens...)
	return ret
}

// AddToken appends a single token.
func (s Spec) AddToken(quant byte, body string) Spec {
	return s.Add(Spec{tokens: []Token{{Quant: quant, Body: body}}})
}

// Set returns override completed with the tokens of s whose quant override
// does not carry, sorted.
func (s Spec) Set(override Spec) Spec {
	ret := override
	for _, tok := range s.tokens {
		if !ret.Has(tok.Quant) {
			ret = ret.Add(Spec{tokens: []Token{tok}})
		}
	}
	return ret.Sort()
}

// Fits reports whether every token of filter is present in s.
func (s Spec) Fits(filter Spec) bool {
	for _, want := range filter.tokens {
		if !slices.Contains(s.tokens, want) {
			return false
		}
	}
	return true
}

// Token returns the first token of the given quant.
func (s Spec) Token(quant byte) (Token, bool) {
	for _, tok := range s.tokens {
		if tok.Quant == quant {
			return tok, true
		}
	}
	return Token{}, false
}

// Get returns the body of the first token of the given quant, or "".
func (s Spec) Get(quant byte) string {
	tok, _ := s.Token(quant)
	return tok.Body
}

func (s Spec) Has(quant byte) bool {
	_, ok := s.Token(quant)
	return ok
}

// Pattern returns the sequence of quants, e.g. "/#!." for a full operation.
func (s Spec) Pattern() string {
	b := make([]byte, len(s.tokens))
	for i, tok := range s.tokens {
		b[i] = tok.Quant
	}
	return string(b)
}

func (s Spec) Type() string    { return s.Get(QuantType) }
func (s Spec) ID() string      { return s.Get(QuantID) }
func (s Spec) Version() string { return s.Get(QuantVersion) }
func (s Spec) Method() string  { return s.Get(QuantMethod) }

// Source is the extension of the version token.
func (s Spec) Source() string {
	tok, ok := s.Token(QuantVersion)
	if !ok {
		return ""
	}
	return tok.Ext()
}

// Equal compares two specifiers token by token.
func (s Spec) Equal(other Spec) bool {
	return slices.Equal(s.tokens, other.tokens)
}

// ParseToken splits a token body into its bare part and its extension.
func ParseToken(body string) (bare, ext string, err error) {
	m := reTokExt.FindStringSubmatch(body)
	if m == nil {
		return "", "", fmt.Errorf("%w: bad token %q", ErrMalformed, body)
	}
	ext = m[2]
	if ext == "" {
		ext = DefaultSource
	}
	return m[1], ext, nil
}
