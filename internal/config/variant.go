package config

import (
	"fmt"
	"strings"
)

// Variant selects the model generation. The set is closed; every switch over
// it must be exhaustive.
type Variant int

const (
	VariantFish12 Variant = iota + 1
	VariantFish14
	VariantFish15
	VariantS1Mini
)

var variantNames = map[Variant]string{
	VariantFish12: "1.2",
	VariantFish14: "1.4",
	VariantFish15: "1.5",
	VariantS1Mini: "s1-mini",
}

func ParseVariant(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1.2", "fish-1.2", "v1.2":
		return VariantFish12, nil
	case "1.4", "fish-1.4", "v1.4":
		return VariantFish14, nil
	case "1.5", "fish-1.5", "v1.5", "":
		return VariantFish15, nil
	case "s1-mini", "s1", "openaudio-s1-mini":
		return VariantS1Mini, nil
	default:
		return 0, fmt.Errorf("invalid model variant %q (expected 1.2|1.4|1.5|s1-mini)", raw)
	}
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// NumCodebooks is the number of codec streams the variant predicts per frame.
func (v Variant) NumCodebooks() int {
	switch v {
	case VariantFish12:
		return 4
	case VariantFish14, VariantFish15:
		return 8
	case VariantS1Mini:
		return 10
	}
	panic(fmt.Sprintf("config: unknown variant %d", int(v)))
}

// SemanticInRow0 reports whether row 0 of a VQ column carries
// <|semantic:0|>+code0 rather than a bare <|semantic|> placeholder.
func (v Variant) SemanticInRow0() bool {
	switch v {
	case VariantFish12, VariantFish14:
		return false
	case VariantFish15, VariantS1Mini:
		return true
	}
	panic(fmt.Sprintf("config: unknown variant %d", int(v)))
}

// CodeOffset is added to codec codes stored in rows 1..N. Fish 1.2 reserves
// zero for text columns.
func (v Variant) CodeOffset() int64 {
	switch v {
	case VariantFish12:
		return 1
	case VariantFish14, VariantFish15, VariantS1Mini:
		return 0
	}
	panic(fmt.Sprintf("config: unknown variant %d", int(v)))
}

// VoiceTag reports whether reference turns are introduced by <|voice|>.
func (v Variant) VoiceTag() bool {
	switch v {
	case VariantFish12, VariantFish14, VariantFish15:
		return false
	case VariantS1Mini:
		return true
	}
	panic(fmt.Sprintf("config: unknown variant %d", int(v)))
}
