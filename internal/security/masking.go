package security

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/value"
)

// FieldResultKind tags the outcome of processing one field through the masker.
type FieldResultKind uint8

const (
	FieldAccessible FieldResultKind = iota
	FieldMasked
	FieldOmitted
)

// FieldResult is what ProcessField decides for a single field value.
type FieldResult struct {
	Kind  FieldResultKind
	Value value.Value
}

// IsAccessible reports whether ctx may see a field with the given
// security configuration unmasked. A nil security pointer means the
// field carries no restriction.
func IsAccessible(sec *catalog.FieldSecurity, ctx *SecurityContext) bool {
	if sec == nil {
		return true
	}
	if ctx.IsAdmin() {
		return true
	}
	switch sec.Sensitivity {
	case catalog.SensitivityPublic:
		return true
	case catalog.SensitivityInternal:
		return ctx.IsAuthenticated()
	case catalog.SensitivitySensitive:
		return ctx.CanAccessSensitive(catalog.SensitivitySensitive)
	case catalog.SensitivityRestricted:
		if sec.RequiredCapability != "" && ctx.Capabilities.HasCustom(sec.RequiredCapability) {
			return true
		}
		return ctx.CanAccessSensitive(catalog.SensitivityRestricted)
	default:
		return false
	}
}

// Mask applies strategy to v, producing the value a caller without
// access should see instead. MaskOmit is handled by ProcessField (the
// field disappears entirely, it isn't replaced with a value) and falls
// through here to Null for any direct caller.
func Mask(v value.Value, strategy catalog.MaskStrategy) value.Value {
	switch strategy.Kind {
	case catalog.MaskOmit, catalog.MaskNull:
		return value.Null()
	case catalog.MaskRedact:
		return value.String(strategy.RedactLiteral)
	case catalog.MaskPartial:
		return partialMask(v, strategy.VisibleChars, strategy.FromEnd, strategy.MaskChar)
	case catalog.MaskHash:
		return hashValue(v)
	default:
		return value.Null()
	}
}

// ProcessField decides whether v is returned as-is, replaced with its
// masked form, or omitted from the result entirely.
func ProcessField(v value.Value, sec *catalog.FieldSecurity, ctx *SecurityContext) FieldResult {
	if sec == nil {
		return FieldResult{Kind: FieldAccessible, Value: v}
	}
	if IsAccessible(sec, ctx) {
		return FieldResult{Kind: FieldAccessible, Value: v}
	}
	if sec.Masking.Kind == catalog.MaskOmit {
		return FieldResult{Kind: FieldOmitted}
	}
	return FieldResult{Kind: FieldMasked, Value: Mask(v, sec.Masking)}
}

func partialMask(v value.Value, visibleChars int, fromEnd bool, maskChar byte) value.Value {
	if v.Kind != value.KindString {
		return value.Null()
	}
	s := v.Str
	if len(s) <= visibleChars {
		return value.String(strings.Repeat(string(maskChar), len(s)))
	}
	mask := strings.Repeat(string(maskChar), len(s)-visibleChars)
	if fromEnd {
		return value.String(mask + s[len(s)-visibleChars:])
	}
	return value.String(s[:visibleChars] + mask)
}

// hashValue replaces v with a blake2b-256 digest, used by MaskHash so an
// audited/looked-up value stays comparable across rows without revealing
// its contents.
func hashValue(v value.Value) value.Value {
	var b []byte
	switch v.Kind {
	case value.KindNull:
		return value.String("hash:null")
	case value.KindString:
		b = []byte(v.Str)
	case value.KindBytes:
		b = v.Bytes
	case value.KindUUID:
		b = v.UUID[:]
	default:
		b = []byte(v.String())
	}
	sum := blake2b.Sum256(b)
	return value.String(fmt.Sprintf("hash:%s", hex.EncodeToString(sum[:])))
}
