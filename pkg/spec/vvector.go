package spec

import (
	"maps"
	"slices"
	"strings"
)

// VVector maps a source to the highest timestamp seen from it.
// Entries only ever grow.
type VVector struct {
	m map[string]string
}

// NewVVector builds a vector from a sequence of version tokens such as
// `!7AM0f+gritzko!7AMTc+aleksisha`. Tokens of other quants are ignored.
func NewVVector(versions string) (*VVector, error) {
	v := &VVector{m: make(map[string]string)}
	if err := v.Add(versions); err != nil {
		return nil, err
	}
	return v, nil
}

// Add merges a sequence of version tokens. A bare body is read as a
// version token.
func (v *VVector) Add(versions string) error {
	sp, err := ParseWithQuant(versions, QuantVersion)
	if err != nil {
		return err
	}
	v.AddSpec(sp)
	return nil
}

// AddSpec merges the version tokens of sp.
func (v *VVector) AddSpec(sp Spec) {
	if v.m == nil {
		v.m = make(map[string]string)
	}
	for _, tok := range sp.tokens {
		if tok.Quant != QuantVersion {
			continue
		}
		ts, src := tok.Bare(), tok.Ext()
		if ts > v.m[src] {
			v.m[src] = ts
		}
	}
}

// Covers reports whether the entry of the token's source is at least the
// token's timestamp. A leading '!' is accepted.
func (v *VVector) Covers(version string) bool {
	version = strings.TrimPrefix(version, string(QuantVersion))
	ts, src, err := ParseToken(version)
	if err != nil {
		return false
	}
	return ts <= v.m[src]
}

// Get returns the high-water mark of one source, "" when unseen.
func (v *VVector) Get(source string) string {
	return v.m[source]
}

// Sources returns the known sources, sorted.
func (v *VVector) Sources() []string {
	return slices.Sorted(maps.Keys(v.m))
}

// MaxTs returns the greatest timestamp across sources.
func (v *VVector) MaxTs() (string, bool) {
	var maxTs string
	for _, ts := range v.m {
		if ts > maxTs {
			maxTs = ts
		}
	}
	return maxTs, maxTs != ""
}

// Format serializes at most top entries in descending order, dropping
// every entry at or below the rotation floor rot. It is lossy on purpose:
// old contributions are assumed to be folded into snapshots already.
func (v *VVector) Format(top int, rot string) string {
	if top <= 0 {
		top = 10
	}
	if rot == "" {
		rot = "0"
	}
	floor := string(QuantVersion) + rot

	ret := make([]string, 0, len(v.m))
	for src, ts := range v.m {
		tok := string(QuantVersion) + ts
		if src != DefaultSource {
			tok += "+" + src
		}
		ret = append(ret, tok)
	}
	slices.Sort(ret)
	slices.Reverse(ret)
	for len(ret) > 0 && (len(ret) > top || ret[len(ret)-1] <= floor) {
		ret = ret[:len(ret)-1]
	}
	if len(ret) == 0 {
		return "!0"
	}
	return strings.Join(ret, "")
}

func (v *VVector) String() string {
	return v.Format(10, "0")
}
